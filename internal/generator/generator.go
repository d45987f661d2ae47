package generator

import (
	"context"
)

// Job is the input handed to the static-site generator: the revision's
// content document plus metadata, and the build identity for tracing.
type Job struct {
	SiteID     string
	BuildID    string
	RevisionID string
	Content    []byte
	Meta       []byte
}

// Result describes a finished generator invocation. OutputDir holds the
// produced file tree; Log is the captured generator output.
type Result struct {
	OutputDir string
	Log       string
}

// Generator turns a revision snapshot into a static file tree. A non-nil
// error from Generate means no usable output was produced; the Result Log
// may still carry diagnostic output in that case. Cleanup releases scratch
// space once the output has been uploaded.
type Generator interface {
	Generate(ctx context.Context, job Job) (Result, error)
	Cleanup(job Job) error
}
