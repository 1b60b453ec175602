package render

import (
	"context"
	"image"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Slots bounds how many canvases may be alive concurrently within one
// process. Acquire blocks until a slot frees up, so worker-resident pixel
// memory is capped regardless of batch size.
type Slots struct {
	sem *semaphore.Weighted
}

// NewSlots creates a bound of n concurrent canvases. n < 1 is treated as 1.
func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks for a slot and returns a transparent canvas of exactly
// width x height pixels. The caller must Release it on every path.
func (s *Slots) Acquire(ctx context.Context, width, height int) (*Canvas, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Canvas{
		img:   image.NewNRGBA(image.Rect(0, 0, width, height)),
		slots: s,
	}, nil
}

// Canvas is one acquired pixel buffer. Release drops the buffer and returns
// the slot; it is idempotent, so deferring it alongside an explicit call on
// the success path is safe.
type Canvas struct {
	img     *image.NRGBA
	slots   *Slots
	release sync.Once
}

// Image exposes the underlying buffer. Nil after Release.
func (c *Canvas) Image() *image.NRGBA {
	return c.img
}

// Release frees the buffer for collection immediately and returns the slot.
func (c *Canvas) Release() {
	c.release.Do(func() {
		c.img = nil
		c.slots.sem.Release(1)
	})
}
