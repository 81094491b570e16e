package model

import "time"

// ChatSession is the slice of the chat session row this layer owns: the pull
// request number is written exactly once when a submit run creates the PR.
type ChatSession struct {
	ID        string
	ProjectID string
	PRNumber  *int
	CreatedAt time.Time
	UpdatedAt time.Time
}
