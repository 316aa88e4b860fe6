package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadbot/pkg/logx"
)

func TestSplitShortTextIsOneChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitTelegramText("hello", 10, ""))
}

func TestSplitPrefersNewlines(t *testing.T) {
	text := "aaaa\nbbbb\ncccc"
	got := splitTelegramText(text, 10, "")
	require.Len(t, got, 2)
	assert.Equal(t, "aaaa\nbbbb", got[0])
	assert.Equal(t, "cccc", got[1])
}

func TestSplitHardCutWithoutNewlines(t *testing.T) {
	got := splitTelegramText(strings.Repeat("x", 25), 10, "")
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}, got)
}

func TestSplitAvoidsCuttingHTMLTags(t *testing.T) {
	got := splitTelegramText("abcdef<b>bold</b>", 8, "HTML")
	require.NotEmpty(t, got)
	assert.Equal(t, "abcdef", got[0])
	assert.Equal(t, "abcdef<b>bold</b>", strings.Join(got, ""))
}

func TestSplitCountsRunes(t *testing.T) {
	text := strings.Repeat("é", 12)
	got := splitTelegramText(text, 5, "")
	require.Len(t, got, 3)
	for _, c := range got[:2] {
		assert.Equal(t, 5, len([]rune(c)))
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}
