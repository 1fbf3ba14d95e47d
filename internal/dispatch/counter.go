package dispatch

import (
	"strconv"
	"sync/atomic"
)

// Counter hands out process-wide unique invocation segments.
type Counter struct {
	n atomic.Uint64
}

// Next returns the next value, starting at 1.
func (c *Counter) Next() uint64 { return c.n.Add(1) }

// Segment returns a fresh owning-process segment, e.g. "invocation12".
func (c *Counter) Segment() string { return "invocation" + strconv.FormatUint(c.Next(), 10) }
