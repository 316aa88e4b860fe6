package instagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractShortcode(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://www.instagram.com/p/B1LbfVPlwIA/", "B1LbfVPlwIA", true},
		{"https://instagram.com/reel/CiKc3a-u_Hd/?igsh=abc", "CiKc3a-u_Hd", true},
		{"instagram.com/p/Abc_123", "Abc_123", true},
		{"  B1LbfVPlwIA  ", "B1LbfVPlwIA", true},
		{"https://example.com/p/abc", "", false},
		{"https://www.instagram.com/someuser/", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractShortcode(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestShortcodeToMediaID(t *testing.T) {
	id, err := ShortcodeToMediaID("B1LbfVPlwIA")
	require.NoError(t, err)
	assert.Equal(t, "2110901750722920960", id)

	id, err = ShortcodeToMediaID("CiKc3a-u_Hd")
	require.NoError(t, err)
	assert.Equal(t, "2921274262146511325", id)

	id, err = ShortcodeToMediaID("BaAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, "368640", id)

	_, err = ShortcodeToMediaID("bad code!")
	assert.ErrorIs(t, err, ErrBadCode)
}

func TestPostURL(t *testing.T) {
	assert.Equal(t, "https://www.instagram.com/p/ABC/", PostURL("", "ABC"))
	assert.Equal(t, "https://x.test/p/ABC/", PostURL("https://x.test/p", "ABC"))
}
