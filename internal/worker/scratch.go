// ABOUTME: Per-attempt scratch directory: captured stdout/stderr files and an artifacts/ subdirectory.
// ABOUTME: Removed after every attempt; artifacts are uploaded to the log sink first.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/scarson/mediajobs/internal/logsink"
	"github.com/scarson/mediajobs/internal/store"
)

type scratch struct {
	dir       string
	artifacts string
	stdout    *os.File
	stderr    *os.File
}

// scratchFile is one artifact recorded in the scratch manifest.
type scratchFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// scratchManifest is stored in media_job_attempts.scratch_manifest.
type scratchManifest struct {
	StdoutBytes int64         `json:"stdout_bytes"`
	StderrBytes int64         `json:"stderr_bytes"`
	Artifacts   []scratchFile `json:"artifacts"`
}

func newScratch(parent string, jobID int64, attemptNo int32) (*scratch, error) {
	dir, err := os.MkdirTemp(parent, fmt.Sprintf("job-%d-%d-", jobID, attemptNo))
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	sc := &scratch{dir: dir, artifacts: filepath.Join(dir, "artifacts")}
	if err := os.Mkdir(sc.artifacts, 0o750); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	if sc.stdout, err = os.Create(sc.stdoutPath()); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	if sc.stderr, err = os.Create(sc.stderrPath()); err != nil {
		_ = sc.stdout.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	return sc, nil
}

func (sc *scratch) stdoutPath() string { return filepath.Join(sc.dir, "stdout.log") }
func (sc *scratch) stderrPath() string { return filepath.Join(sc.dir, "stderr.log") }

// closeLogs closes both log files. Safe to call more than once.
func (sc *scratch) closeLogs() error {
	var errs []error
	for _, f := range []*os.File{sc.stdout, sc.stderr} {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// manifest lists the log sizes and every regular file under artifacts/.
func (sc *scratch) manifest() (*scratchManifest, error) {
	m := &scratchManifest{Artifacts: []scratchFile{}}
	if fi, err := os.Stat(sc.stdoutPath()); err == nil {
		m.StdoutBytes = fi.Size()
	}
	if fi, err := os.Stat(sc.stderrPath()); err == nil {
		m.StderrBytes = fi.Size()
	}
	err := filepath.WalkDir(sc.artifacts, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sc.artifacts, path)
		if err != nil {
			return err
		}
		m.Artifacts = append(m.Artifacts, scratchFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk artifacts: %w", err)
	}
	return m, nil
}

func (sc *scratch) upload(ctx context.Context, sink logsink.Sink, path, key, contentType string) (store.ObjectPointer, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is inside our own scratch dir
	if err != nil {
		return store.ObjectPointer{}, err
	}
	defer f.Close() //nolint:errcheck
	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}
	return sink.PutObject(ctx, key, f, size, contentType)
}

func (sc *scratch) uploadArtifacts(ctx context.Context, sink logsink.Sink, prefix string, files []scratchFile) error {
	for _, file := range files {
		path := filepath.Join(sc.artifacts, filepath.FromSlash(file.Path))
		if _, err := sc.upload(ctx, sink, path, prefix+file.Path, ""); err != nil {
			return fmt.Errorf("upload artifact %s: %w", file.Path, err)
		}
	}
	return nil
}

// remove closes the log files and deletes the scratch dir.
func (sc *scratch) remove() error {
	return errors.Join(sc.closeLogs(), os.RemoveAll(sc.dir))
}
