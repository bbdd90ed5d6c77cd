// Package testutil provides shared test helpers: a controllable time
// source, random value generation, and PKCE pair construction.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// MockTime is a controllable time source for deterministic tests.
// Inject its Now method wherever a component accepts a time function.
type MockTime struct {
	now time.Time
}

// NewMockTime creates a mock clock frozen at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the clock forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set jumps the clock to t.
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateRandomString returns a random URL-safe string of the given
// length. Panics if the system RNG fails.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns a matching S256 code challenge and verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}
