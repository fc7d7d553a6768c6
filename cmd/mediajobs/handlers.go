package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scarson/mediajobs/internal/worker"
)

// newRegistry returns the registry of handlers built into this binary.
// Deployments embedding the queue register their media handlers the same way.
func newRegistry() (*worker.Registry, error) {
	reg := worker.NewRegistry()
	if err := worker.Register(reg, "echo", echoHandler); err != nil {
		return nil, err
	}
	if err := worker.Register(reg, "sleep", sleepHandler); err != nil {
		return nil, err
	}
	return reg, nil
}

type echoInput struct {
	N int `json:"n"`
}

type echoOutput struct {
	N int `json:"n"`
}

// echoHandler returns n+1. Used for smoke-testing a deployment end to end.
func echoHandler(_ context.Context, in echoInput, ex *worker.Exec) (echoOutput, error) {
	fmt.Fprintf(ex.Stdout, "echo n=%d\n", in.N)
	return echoOutput{N: in.N + 1}, nil
}

type sleepInput struct {
	Seconds int    `json:"seconds"`
	Note    string `json:"note,omitempty"`
}

type sleepOutput struct {
	Slept int `json:"slept"`
}

// sleepHandler sleeps for the requested number of seconds, logging a line per
// second and leaving a note artifact. Useful for exercising heartbeats and
// stale-lease recovery. Handler contexts are never cancelled, so the sleep
// always runs to the end.
func sleepHandler(_ context.Context, in sleepInput, ex *worker.Exec) (sleepOutput, error) {
	if in.Seconds < 0 {
		return sleepOutput{}, worker.Permanent(worker.WithCode(worker.CodeInvalidInput,
			fmt.Errorf("seconds must be >= 0, got %d", in.Seconds)))
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for i := 0; i < in.Seconds; i++ {
		<-ticker.C
		fmt.Fprintf(ex.Stdout, "slept %d/%d\n", i+1, in.Seconds)
	}
	if in.Note != "" {
		if err := os.WriteFile(filepath.Join(ex.ArtifactsDir, "note.txt"), []byte(in.Note), 0o600); err != nil {
			return sleepOutput{}, fmt.Errorf("write note: %w", err)
		}
	}
	return sleepOutput{Slept: in.Seconds}, nil
}
