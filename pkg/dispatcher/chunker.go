package dispatcher

import "unicode/utf8"

// chunker accumulates text output and cuts it into pieces of at most limit
// bytes. Cuts never split a UTF-8 sequence.
type chunker struct {
	limit int
	buf   []byte
}

func newChunker(limit int) *chunker {
	return &chunker{limit: limit}
}

// push appends data and returns every full chunk now available. A partial
// tail stays buffered until more data arrives or flush is called.
func (c *chunker) push(data []byte) []string {
	c.buf = append(c.buf, data...)
	var out []string
	for len(c.buf) >= c.limit {
		cut := c.cutPoint()
		out = append(out, string(c.buf[:cut]))
		c.buf = c.buf[cut:]
	}
	return out
}

// flush returns the buffered tail, possibly empty.
func (c *chunker) flush() string {
	s := string(c.buf)
	c.buf = c.buf[:0]
	return s
}

func (c *chunker) pending() int {
	return len(c.buf)
}

func (c *chunker) cutPoint() int {
	cut := c.limit
	for cut > 0 && cut < len(c.buf) && !utf8.RuneStart(c.buf[cut]) {
		cut--
	}
	if cut == 0 {
		cut = c.limit
	}
	return cut
}

// splitText cuts s into chunks of at most limit bytes.
func splitText(s string, limit int) []string {
	c := newChunker(limit)
	out := c.push([]byte(s))
	if tail := c.flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}
