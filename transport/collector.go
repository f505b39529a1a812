package transport

import (
	"bytes"
	"io"
)

const (
	collectorInitialSize = 512

	// Chunks at least this large grow the buffer exactly to need instead
	// of doubling, to avoid over-allocating for big one-off bodies.
	collectorLargeChunk = 4096
)

// Collector accumulates the raw bytes of incoming data frames for one
// stream. It is not safe for concurrent use; the owning listener guards
// it.
type Collector struct {
	buffer []byte
	used   int
}

func NewCollector() *Collector {
	return &Collector{buffer: make([]byte, collectorInitialSize)}
}

// Append copies data into the buffer, growing it as needed.
func (c *Collector) Append(data []byte) {
	needed := c.used + len(data)
	if needed > len(c.buffer) {
		newSize := needed
		if len(data) < collectorLargeChunk {
			if doubled := 2 * len(c.buffer); doubled > newSize {
				newSize = doubled
			}
		}

		grown := make([]byte, newSize)
		copy(grown, c.buffer[:c.used])
		c.buffer = grown
	}

	copy(c.buffer[c.used:], data)
	c.used += len(data)
}

// String returns the buffered bytes decoded as UTF-8 text.
func (c *Collector) String() string {
	return string(c.buffer[:c.used])
}

// Reader exposes the buffered bytes as a line-oriented reader.
func (c *Collector) Reader() io.Reader {
	return bytes.NewReader(c.buffer[:c.used])
}

// Len returns the number of buffered bytes.
func (c *Collector) Len() int {
	return c.used
}

// Reset discards the buffered content, keeping the allocation.
func (c *Collector) Reset() {
	c.used = 0
}
