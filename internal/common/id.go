package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewSessionID generates a unique validation session ID.
func NewSessionID() string {
	return "val_" + uuid.New().String()
}
