// ABOUTME: Bounds-checked big-endian reader over a byte window
// ABOUTME: Reports shortage as a false result and can refill from a chunk source
package cursor

// Source returns the next chunk of input, or nil when none is available yet.
type Source func() []byte

// Cursor reads from a byte window without ever reading past its end.
// A read that would cross the end returns ok=false and consumes nothing,
// which callers treat as "more data needed".
type Cursor struct {
	buf    []byte
	pos    int
	offset int64
	src    Source
}

// New creates a cursor over b
func New(b []byte) *Cursor {
	return &Cursor{buf: b}
}

// NewWithSource creates an empty cursor that pulls chunks from src on shortage
func NewWithSource(src Source) *Cursor {
	return &Cursor{src: src}
}

// Reset replaces the window and rewinds the absolute offset
func (c *Cursor) Reset(b []byte) {
	c.buf = b
	c.pos = 0
	c.offset = 0
}

// Append adds a chunk behind the unread tail.
func (c *Cursor) Append(b []byte) {
	if len(b) == 0 {
		return
	}
	if c.pos > 0 {
		n := copy(c.buf, c.buf[c.pos:])
		c.buf = c.buf[:n]
		c.pos = 0
	}
	c.buf = append(c.buf, b...)
}

// Remaining returns the number of unread bytes in the current window
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Offset returns the absolute number of bytes consumed since creation or Reset
func (c *Cursor) Offset() int64 {
	return c.offset
}

// Bytes returns the unread window without consuming it
func (c *Cursor) Bytes() []byte {
	return c.buf[c.pos:]
}

// ensure makes n bytes available, refilling from the source if there is one.
func (c *Cursor) ensure(n int) bool {
	for c.Remaining() < n {
		if c.src == nil {
			return false
		}
		chunk := c.src()
		if len(chunk) == 0 {
			return false
		}
		c.Append(chunk)
	}
	return true
}

// Peek8 returns the next byte
func (c *Cursor) Peek8() (byte, bool) {
	if !c.ensure(1) {
		return 0, false
	}
	return c.buf[c.pos], true
}

// Peek16 returns the next two bytes as a big-endian value
func (c *Cursor) Peek16() (uint16, bool) {
	if !c.ensure(2) {
		return 0, false
	}
	b := c.buf[c.pos:]
	return uint16(b[0])<<8 | uint16(b[1]), true
}

// Peek32 returns the next four bytes as a big-endian value
func (c *Cursor) Peek32() (uint32, bool) {
	if !c.ensure(4) {
		return 0, false
	}
	b := c.buf[c.pos:]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}

// Read8 returns the next byte and consumes it
func (c *Cursor) Read8() (byte, bool) {
	v, ok := c.Peek8()
	if ok {
		c.pos++
		c.offset++
	}
	return v, ok
}

// Advance consumes n bytes. On shortage nothing is consumed.
func (c *Cursor) Advance(n int) bool {
	if n < 0 || !c.ensure(n) {
		return false
	}
	c.pos += n
	c.offset += int64(n)
	return true
}

// Window returns at least n contiguous unread bytes without consuming them.
func (c *Cursor) Window(n int) ([]byte, bool) {
	if n < 0 || !c.ensure(n) {
		return nil, false
	}
	return c.buf[c.pos:], true
}

// Take returns exactly n bytes and consumes them
func (c *Cursor) Take(n int) ([]byte, bool) {
	w, ok := c.Window(n)
	if !ok {
		return nil, false
	}
	c.pos += n
	c.offset += int64(n)
	return w[:n], true
}
