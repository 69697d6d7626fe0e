// Package id generates the request correlation identifiers stamped on
// every response as X-Request-ID.
package id

import "github.com/google/uuid"

// Request generates a correlation identifier: a UUID v4 (random).
func Request() string {
	return uuid.NewString()
}
