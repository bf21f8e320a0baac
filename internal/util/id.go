package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// IsID reports whether s parses as a UUID. Used to reject path segments
// that cannot name a job before they reach the store or the filesystem.
func IsID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
