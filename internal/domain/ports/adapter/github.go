package adapter

import "context"

// GitHubTokenProvider yields a token usable for git pushes and PR creation.
// Implementations may mint short-lived installation tokens or hand back a
// static PAT.
type GitHubTokenProvider interface {
	Token(ctx context.Context) (string, error)
}
