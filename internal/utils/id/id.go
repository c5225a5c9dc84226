// Package id generates the identifiers the service hands out: short URL-safe
// public ids for threads, messages, and work items, plus request-scoped ids.
package id

import (
	"crypto/rand"

	"github.com/google/uuid"
)

const (
	publicIDLength   = 12
	publicIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

// NewPublicID returns a 12-character URL-safe opaque id. The alphabet has 64
// symbols, so bytes map onto it without modulo bias.
func NewPublicID() string {
	buf := make([]byte, publicIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a UUID
		// fragment rather than panic in the ingest path.
		return uuid.NewString()[:publicIDLength]
	}
	for i, b := range buf {
		buf[i] = publicIDAlphabet[b&63]
	}
	return string(buf)
}

// NewRequestID returns a unique id for correlating one request's log lines.
func NewRequestID() string {
	return uuid.NewString()
}

// NewJobID returns a unique id for a queued job.
func NewJobID() string {
	return uuid.NewString()
}
