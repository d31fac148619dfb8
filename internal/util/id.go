package util

import "github.com/google/uuid"

// NewID returns a random UUID string used for row ids, request ids and token ids.
func NewID() string {
	return uuid.NewString()
}
