// Package timeout defines the shared timeout constants for generation calls.
package timeout

import "time"

const (
	// Generate bounds a single batch generation call.
	Generate = 30 * time.Second

	// StreamIdle bounds the gap between streamed chunks. A stream that goes
	// quiet longer than this is treated as broken.
	StreamIdle = 15 * time.Second

	// Persistence bounds best-effort writes that run after the request is
	// already failing or finished.
	Persistence = 5 * time.Second

	// MaxRetries is how often a failed generation call is retried.
	MaxRetries = 3
)
