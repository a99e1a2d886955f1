package ingest

import "context"

// Export internal symbols for testing.
// This file is only compiled during testing.

// SetSessions replaces how the pipeline acquires and releases its session.
func (p *Pipeline) SetSessions(
	acquire func(ctx context.Context, key string) (Executor, error),
	release func(ctx context.Context, key string) error,
) {
	p.acquire = acquire
	p.release = release
}
