// Package obfuscate provides the reversible transform applied to evaluation
// payloads before they are written to the local record store.
//
// This is obfuscation, not encryption. A static repeating-key XOR keeps
// evaluation text from sitting in local storage as plain text, but anyone
// holding the passphrase (which ships with the client) can reverse it. It is
// not an access-control boundary and must not be described as one.
package obfuscate

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"
)

// DefaultPassphrase is the key used when configuration does not supply one.
const DefaultPassphrase = "evalsync-offline-store-v1"

// percentSentinel prefixes output that took the percent-encoding path.
// ':' is outside the base64 alphabet, so the two paths cannot collide.
const percentSentinel = "UTF8:"

// ErrInvalidKey is returned when the passphrase is empty or not ASCII.
var ErrInvalidKey = errors.New("passphrase must be non-empty ASCII")

// Codec XORs text against a repeating key.
type Codec struct {
	key []rune
}

// New creates a Codec. The passphrase must be ASCII: XOR with a 7-bit key
// keeps every code point inside its own 128-aligned block, so valid runes
// never turn into surrogates or out-of-range values.
func New(passphrase string) (*Codec, error) {
	if passphrase == "" {
		return nil, ErrInvalidKey
	}
	for i := 0; i < len(passphrase); i++ {
		if passphrase[i] >= utf8.RuneSelf {
			return nil, ErrInvalidKey
		}
	}
	return &Codec{key: []rune(passphrase)}, nil
}

// MustNew is New for compile-time constant passphrases.
func MustNew(passphrase string) *Codec {
	c, err := New(passphrase)
	if err != nil {
		panic(err)
	}
	return c
}

// Obfuscate transforms valid UTF-8 text into a storage-safe string.
// When every XORed code point fits in a byte the result is base64; otherwise
// it is the sentinel followed by the percent-encoded XORed text.
func (c *Codec) Obfuscate(plain string) string {
	xored := c.xor([]rune(plain))

	if fitsByte(xored) {
		buf := make([]byte, len(xored))
		for i, r := range xored {
			buf[i] = byte(r)
		}
		return base64.StdEncoding.EncodeToString(buf)
	}

	return percentSentinel + url.QueryEscape(string(xored))
}

// Deobfuscate reverses Obfuscate. Input that neither path can decode is
// returned unchanged; callers must validate the result before use.
func (c *Codec) Deobfuscate(encoded string) string {
	var runes []rune

	if rest, ok := strings.CutPrefix(encoded, percentSentinel); ok {
		s, err := url.QueryUnescape(rest)
		if err != nil || !utf8.ValidString(s) {
			return encoded
		}
		runes = []rune(s)
	} else {
		buf, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return encoded
		}
		runes = make([]rune, len(buf))
		for i, b := range buf {
			runes[i] = rune(b)
		}
	}

	return string(c.xor(runes))
}

func (c *Codec) xor(in []rune) []rune {
	out := make([]rune, len(in))
	for i, r := range in {
		out[i] = r ^ c.key[i%len(c.key)]
	}
	return out
}

func fitsByte(runes []rune) bool {
	for _, r := range runes {
		if r > 0xFF {
			return false
		}
	}
	return true
}
