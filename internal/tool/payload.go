// Package tool holds what the xenshm command line tools share: process
// setup, the payload checksum and optional brotli framing.
package tool

import (
	"io"

	"github.com/andybalholm/brotli"
)

// Checksum accumulates sum((b+10)*(b+20)) over every byte written to it,
// wrapping at 32 bits. Writer and reader print it so an operator can compare
// the two ends by eye.
type Checksum struct {
	sum   uint32
	bytes uint64
}

// Write never fails.
func (c *Checksum) Write(b []byte) (int, error) {
	for _, v := range b {
		x := uint32(v)
		c.sum += (x + 10) * (x + 20)
	}
	c.bytes += uint64(len(b))
	return len(b), nil
}

// Sum is the checksum so far.
func (c *Checksum) Sum() uint32 { return c.sum }

// Bytes is how many bytes were summed.
func (c *Checksum) Bytes() uint64 { return c.bytes }

type patternReader struct{ i int }

func (p *patternReader) Read(b []byte) (int, error) {
	for k := range b {
		b[k] = byte(p.i % 251)
		p.i++
	}
	return len(b), nil
}

// Pattern returns n bytes of a fixed, non-repeating-per-page sequence.
func Pattern(n int64) io.Reader {
	return io.LimitReader(&patternReader{}, n)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewEncoder wraps w in a brotli stream when compress is set. Close must be
// called to flush the stream; it does not close w.
func NewEncoder(w io.Writer, compress bool) io.WriteCloser {
	if !compress {
		return nopWriteCloser{w}
	}
	return brotli.NewWriterLevel(w, brotli.DefaultCompression)
}

// NewDecoder is the reading side of NewEncoder.
func NewDecoder(r io.Reader, compress bool) io.Reader {
	if !compress {
		return r
	}
	return brotli.NewReader(r)
}
