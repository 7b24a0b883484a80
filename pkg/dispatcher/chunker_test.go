package dispatcher

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestChunkerEmitsOnlyFullChunks(t *testing.T) {
	c := newChunker(10)

	assert.Empty(t, c.push([]byte("abcd")))
	assert.Equal(t, []string{"abcdefghij"}, c.push([]byte("efghijkl")))
	assert.Equal(t, 2, c.pending())
	assert.Equal(t, "kl", c.flush())
	assert.Zero(t, c.pending())
}

func TestChunkerNeverSplitsRunes(t *testing.T) {
	c := newChunker(5)
	out := c.push([]byte("aaaa€bbbb"))
	out = append(out, c.flush())

	assert.Equal(t, "aaaa€bbbb", strings.Join(out, ""))
	for _, part := range out {
		assert.True(t, utf8.ValidString(part), "%q", part)
		assert.LessOrEqual(t, len(part), 5)
	}
}

func TestSplitText(t *testing.T) {
	parts := splitText(strings.Repeat("x", 10000), 4096)
	assert.Len(t, parts, 3)
	assert.Len(t, parts[2], 10000-2*4096)
	assert.Empty(t, splitText("", 10))
}
