package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used as a task identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s parses as a UUID. Used to reject path junk early.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
