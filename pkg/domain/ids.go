package domain

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewID returns a document identifier made of a millisecond timestamp prefix
// followed by random bits (UUIDv7), so generated ids sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fallbackID()
	}
	return id.String()
}

func fallbackID() string {
	var b [10]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + hex.EncodeToString(b[:])
}
