package platform

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func NewID() string {
	return uuid.New().String()
}

// NewTraceID returns a 32-char hex trace identifier for correlating a pipeline
// execution across log lines and audit events.
func NewTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
