package id

import "github.com/google/uuid"

// New returns a random identifier for a job. Identifiers are never reused.
func New() string {
	return uuid.NewString()
}
