package cache

import (
	"context"
	"time"
)

// Dummy is a Cache that never stores anything; every Get is a miss.
// It's the default backend and the one used in tests that don't care
// about caching behavior.
type Dummy struct{}

// NewDummy creates a no-op cache.
func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) Get(_ context.Context, _, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

func (d *Dummy) Set(_ context.Context, _, _ string, _ []byte, _ time.Duration) error {
	return nil
}

func (d *Dummy) ModifiedSince(_ context.Context, _, _ string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
