package instagram

import (
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"
)

const shortcodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var postURLRe = regexp.MustCompile(`instagram\.com/(?:p|reel|reels|tv)/([A-Za-z0-9_-]+)`)

// ExtractShortcode returns the shortcode from a post or reel URL. A bare
// shortcode is accepted as is.
func ExtractShortcode(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if m := postURLRe.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if u, err := url.Parse(raw); err == nil && u.Host == "" && validShortcode(raw) {
		return raw, true
	}
	return "", false
}

// PostURL builds the canonical URL for a shortcode.
func PostURL(base, code string) string {
	if base == "" {
		base = "https://www.instagram.com/p/"
	}
	return strings.TrimRight(base, "/") + "/" + code + "/"
}

// ShortcodeToMediaID decodes a shortcode into the numeric media id. Codes
// longer than 28 characters carry a private-post suffix that is ignored.
func ShortcodeToMediaID(code string) (string, error) {
	if len(code) > 28 {
		code = code[:len(code)-28]
	}
	if !validShortcode(code) {
		return "", fmt.Errorf("%w: %q", ErrBadCode, code)
	}
	id := new(big.Int)
	base := big.NewInt(64)
	for i := 0; i < len(code); i++ {
		id.Mul(id, base)
		id.Add(id, big.NewInt(int64(strings.IndexByte(shortcodeAlphabet, code[i]))))
	}
	return id.String(), nil
}

func validShortcode(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(shortcodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
