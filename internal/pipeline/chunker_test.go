package pipeline

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeWords(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	return words
}

func TestSplitText_SlidingWindow(t *testing.T) {
	// 2500 词, 窗口 1000, 重叠 200 → 三个分块
	text := strings.Join(makeWords(2500), " ")
	spans, err := SplitText(text, 1000, 200)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	assert.Equal(t, 0, spans[0].StartWord)
	assert.Equal(t, 1000, spans[0].EndWord)
	assert.Equal(t, 800, spans[1].StartWord)
	assert.Equal(t, 1800, spans[1].EndWord)
	assert.Equal(t, 1600, spans[2].StartWord)
	assert.Equal(t, 2500, spans[2].EndWord)
}

func TestSplitText_ShortTextSingleChunk(t *testing.T) {
	spans, err := SplitText("alpha beta gamma", 1000, 200)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "alpha beta gamma", spans[0].Text)
	assert.Equal(t, 0, spans[0].StartWord)
	assert.Equal(t, 3, spans[0].EndWord)
}

func TestSplitText_ExactWindowSize(t *testing.T) {
	text := strings.Join(makeWords(1000), " ")
	spans, err := SplitText(text, 1000, 200)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, 1000, spans[0].EndWord)
}

func TestSplitText_InvalidParams(t *testing.T) {
	text := "some text here"

	_, err := SplitText(text, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidChunking)

	_, err = SplitText(text, 100, 100)
	assert.ErrorIs(t, err, ErrInvalidChunking)

	_, err = SplitText(text, 100, 150)
	assert.ErrorIs(t, err, ErrInvalidChunking)

	_, err = SplitText(text, 100, -1)
	assert.ErrorIs(t, err, ErrInvalidChunking)
}

func TestSplitText_EmptyText(t *testing.T) {
	_, err := SplitText("", 100, 20)
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = SplitText("   \n\t  ", 100, 20)
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestSplitText_CoversEveryWord(t *testing.T) {
	words := makeWords(3217)
	text := strings.Join(words, " ")
	spans, err := SplitText(text, 500, 120)
	require.NoError(t, err)

	covered := make([]bool, len(words))
	prevEnd := 0
	for i, s := range spans {
		assert.Less(t, s.StartWord, s.EndWord)
		if i > 0 {
			// 相邻窗口之间的重叠固定为 overlap
			assert.Equal(t, 120, prevEnd-s.StartWord)
		}
		for w := s.StartWord; w < s.EndWord; w++ {
			covered[w] = true
		}
		assert.Equal(t, strings.Join(words[s.StartWord:s.EndWord], " "), s.Text)
		prevEnd = s.EndWord
	}
	for i, c := range covered {
		require.True(t, c, "word %d not covered by any span", i)
	}
	assert.Equal(t, len(words), spans[len(spans)-1].EndWord)
}

func TestSplitText_Deterministic(t *testing.T) {
	text := strings.Join(makeWords(1234), " ")
	first, err := SplitText(text, 300, 60)
	require.NoError(t, err)
	second, err := SplitText(text, 300, 60)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestNormalizeText_CollapsesWhitespace(t *testing.T) {
	words := NormalizeText("  hello\n\tworld   again ")
	assert.Equal(t, []string{"hello", "world", "again"}, words)
}
