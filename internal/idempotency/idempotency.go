// Package idempotency remembers the response to an execution submission under the
// client's Idempotency-Key, so a retried POST /executions returns the execution it
// already created instead of queueing a second one.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 64

// DefaultExpiry is how long a stored response is replayed.
const DefaultExpiry = 24 * time.Hour

var (
	// ErrNotFound is returned for keys with no stored response.
	ErrNotFound = errors.New("idempotency key not found")

	// ErrExists is returned when a response is already stored under the key.
	ErrExists = errors.New("idempotency key already recorded")

	// ErrInvalidKey is wrapped by ValidateKey failures.
	ErrInvalidKey = errors.New("invalid idempotency key")
)

// Response is a stored 2xx response together with the fingerprint of the request
// body that produced it.
type Response struct {
	Key         string    `json:"key"`
	Route       string    `json:"route"`
	RequestHash string    `json:"request_hash"`
	StatusCode  int       `json:"status_code"`
	Body        string    `json:"body"`
	Location    string    `json:"location,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// Answers reports whether r may be replayed for a request whose body has the given
// fingerprint. Responses stored without a fingerprint answer any body.
func (r *Response) Answers(requestHash string) bool {
	return r.RequestHash == "" || r.RequestHash == requestHash
}

// ValidateKey rejects empty keys and keys longer than MaxKeyLength.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key exceeds %d characters", ErrInvalidKey, MaxKeyLength)
	}
	return nil
}

// Fingerprint returns the hex SHA-256 of a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Store persists responses by key.
type Store interface {
	// Get returns the response stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Response, error)

	// Put stores resp under resp.Key, or returns ErrExists if the key is taken.
	// A zero StoredAt is set to the current time.
	Put(ctx context.Context, resp *Response) error

	// Purge drops responses stored longer ago than age and reports how many.
	Purge(ctx context.Context, age time.Duration) (int64, error)
}
