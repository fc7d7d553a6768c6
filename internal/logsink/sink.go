// Package logsink persists attempt logs and artifacts to object storage. The
// queue itself only stores (bucket, key) pointers returned by a Sink.
package logsink

import (
	"context"
	"fmt"
	"io"

	"github.com/scarson/mediajobs/internal/store"
)

// Sink is object storage for attempt output.
type Sink interface {
	// Bucket is the bucket every pointer returned by this sink refers to.
	Bucket() string
	// PutObject stores body under key. size may be -1 when unknown.
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (store.ObjectPointer, error)
	// DeleteObjects removes keys. Missing keys are not an error.
	DeleteObjects(ctx context.Context, keys []string) error
	// DeletePrefix removes every object under prefix and returns how many
	// were deleted.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// AttemptPrefix is the key prefix shared by all output of one attempt:
// <prefix><jobID>/<attemptNo>/.
func AttemptPrefix(prefix string, jobID int64, attemptNo int32) string {
	return fmt.Sprintf("%s%d/%d/", prefix, jobID, attemptNo)
}

// StdoutKey is the object key of an attempt's captured stdout.
func StdoutKey(prefix string, jobID int64, attemptNo int32) string {
	return AttemptPrefix(prefix, jobID, attemptNo) + "stdout.log"
}

// StderrKey is the object key of an attempt's captured stderr.
func StderrKey(prefix string, jobID int64, attemptNo int32) string {
	return AttemptPrefix(prefix, jobID, attemptNo) + "stderr.log"
}

// ArtifactsPrefix is the key prefix under which an attempt's artifact files
// are uploaded.
func ArtifactsPrefix(prefix string, jobID int64, attemptNo int32) string {
	return AttemptPrefix(prefix, jobID, attemptNo) + "artifacts/"
}
