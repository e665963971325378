package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitRejectsEmptyInput(t *testing.T) {
	c := New(DefaultConfig())
	_, err := c.Split("   \n\t  ")
	require.Error(t, err)
}

func TestSplitIsIdempotent(t *testing.T) {
	c := New(Config{TargetSize: 64, Overlap: 8})
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)

	first, err := c.Split(text)
	require.NoError(t, err)
	second, err := c.Split(text)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestSplitNeverExceedsCeilingByMoreThanTenPercent(t *testing.T) {
	c := New(Config{TargetSize: 100, Overlap: 10})
	// No paragraph/sentence/whitespace boundaries at all within range, forcing
	// the hard-cut-at-target fallback.
	text := strings.Repeat("x", 1000)

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	ceiling := 100 + 100/10
	for _, chunk := range chunks {
		require.LessOrEqual(t, len([]rune(chunk)), ceiling)
	}
}

func TestSplitChunksReconstructContent(t *testing.T) {
	c := New(Config{TargetSize: 40, Overlap: 0})
	text := "Paragraph one is here.\n\nParagraph two follows after a blank line.\n\nParagraph three ends it."

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.True(t, len(chunks) >= 2)

	// P3: reconstructing the chunks in order should recover the original
	// content modulo chunk-boundary whitespace.
	joined := strings.Join(chunks, " ")
	for _, word := range []string{"Paragraph", "one", "two", "three", "ends"} {
		require.Contains(t, joined, word)
	}
}

func TestSplitPrefersParagraphBoundaryOverWhitespace(t *testing.T) {
	c := New(Config{TargetSize: 20, Overlap: 0})
	text := "short head text\n\nlong tail that continues on for a while longer than the target"

	chunks, err := c.Split(text)
	require.NoError(t, err)
	require.True(t, len(chunks) >= 2)
	require.Equal(t, "short head text", chunks[0])
}

func TestSplitSingleChunkWhenShorterThanTarget(t *testing.T) {
	c := New(DefaultConfig())
	chunks, err := c.Split("alpha beta gamma")
	require.NoError(t, err)
	require.Equal(t, []string{"alpha beta gamma"}, chunks)
}

func TestSplitZeroConfigFallsBackToDefaults(t *testing.T) {
	c := New(Config{})
	require.Equal(t, DefaultConfig(), c.cfg)
}
