package adapter

import (
	"context"
	"encoding/json"
)

// SandboxEvent is one frame from a sandbox event stream. Data carries the
// raw JSON payload; consumers decode it based on Type and must treat unknown
// types as skippable (the sandbox is versioned independently of us).
type SandboxEvent struct {
	Type string
	Data json.RawMessage
}

// SandboxStream yields events from one streaming sandbox operation.
// Next blocks until a frame arrives and returns io.EOF when the stream ends
// (including the explicit [DONE] terminator).
type SandboxStream interface {
	Next(ctx context.Context) (*SandboxEvent, error)
	Close() error
}

// SandboxClient talks to one running sandbox over its HTTP control API.
type SandboxClient interface {
	// Stream opens a streaming operation (build, submit, analysis, ...).
	Stream(ctx context.Context, path string, body any) (SandboxStream, error)
	// Command performs a plain request/response call (halt, git reset, ...).
	Command(ctx context.Context, path string, body any) error
}

// SandboxInfo describes an ephemeral sandbox created through the lifecycle
// manager.
type SandboxInfo struct {
	ID  string
	URL string
}

// SandboxLifecycle creates and destroys ephemeral execution environments.
// Used by the maintenance worker, which needs a sandbox scoped to one run.
type SandboxLifecycle interface {
	CreateSandbox(ctx context.Context, projectID string) (*SandboxInfo, error)
	DestroySandbox(ctx context.Context, sandboxID string) error
	// ClientFor returns a SandboxClient bound to the given sandbox.
	ClientFor(info *SandboxInfo) SandboxClient
}

// SandboxResolver locates the control API of the long-lived sandbox owned by
// a project.
type SandboxResolver interface {
	ForProject(projectID string) SandboxClient
}
