package sandbox

import (
	"strings"
	"time"

	"appforge/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

var _ adapter.SandboxResolver = (*Resolver)(nil)

// Resolver maps a project id to the control API of its long-lived sandbox.
// The configured base URL may contain a {project} placeholder
// (e.g. https://{project}.sbx.example.com); without one the id is appended
// as a path segment.
type Resolver struct {
	baseURL     string
	token       string
	readTimeout time.Duration
	log         *zerolog.Logger
}

func NewResolver(baseURL, token string, readTimeout time.Duration, logger *zerolog.Logger) *Resolver {
	return &Resolver{baseURL: baseURL, token: token, readTimeout: readTimeout, log: logger}
}

func (r *Resolver) ForProject(projectID string) adapter.SandboxClient {
	url := r.baseURL
	if strings.Contains(url, "{project}") {
		url = strings.ReplaceAll(url, "{project}", projectID)
	} else {
		url = strings.TrimRight(url, "/") + "/" + projectID
	}
	return NewClient(url, r.token, r.readTimeout, r.log)
}
