// Package transfer moves test files to and from storage endpoints.
package transfer

import (
	"context"
	"fmt"
	"time"
)

// Options tune a single storage operation.
type Options struct {
	// SpaceToken is the destination space token for uploads.
	SpaceToken string
	// SRMVersion is "1" or "2".
	SRMVersion string
	// Timeout is passed to the tool as its own operation timeout.
	Timeout time.Duration
}

// ListStatus is the outcome of listing one URL.
type ListStatus struct {
	URL string
	// Explanation is empty on success.
	Explanation string
}

// OK reports whether the URL was listed.
func (s ListStatus) OK() bool {
	return s.Explanation == ""
}

// Client performs storage operations. Every method blocks until the
// operation completes or ctx ends.
type Client interface {
	Put(ctx context.Context, localPath, remoteURL string, opts Options) error
	Get(ctx context.Context, remoteURL, localPath string, opts Options) error
	Delete(ctx context.Context, remoteURL string, opts Options) error
	// List returns one status per URL. The error is reserved for failures
	// that prevent listing altogether.
	List(ctx context.Context, urls []string, opts Options) ([]ListStatus, error)
	// ResolveTURL returns a transport URL for remoteURL using one of the
	// candidate protocols.
	ResolveTURL(ctx context.Context, remoteURL string, protocols []string, opts Options) (string, error)
}

// OpError is a failed storage operation. Message carries the tool's own
// error text, which is what callers classify.
type OpError struct {
	Op       string
	URL      string
	ExitCode int
	Message  string
	Err      error
}

func (e *OpError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.URL, msg)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Text returns the error text a classifier should see.
func (e *OpError) Text() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}
