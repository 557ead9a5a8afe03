package core

import (
	"github.com/google/uuid"
)

// NewID returns a random UUID string used for runs, jobs and media rows.
func NewID() string {
	return uuid.NewString()
}
