// Package codec implements the reversible transform applied to chat message
// bodies before they are written to the data store. It is deliberately a fast
// obfuscation, not encryption: a short key is XORed over the text and the
// result is base64-encoded so it stores safely as a string column.
package codec

import (
	"encoding/base64"
	"strconv"
	"time"
)

// Codec obscures and restores message text.
//
// The key is derived from the wall clock at call time rather than a persisted
// secret, so a token generally only decodes to the original text within the
// same millisecond it was encoded in. Decode degrades to pass-through on any
// mismatch-shaped input, which keeps stored history readable either way.
type Codec struct {
	now func() time.Time
}

// New returns a codec keyed off the system clock.
func New() *Codec {
	return &Codec{now: time.Now}
}

// NewWithClock returns a codec using the given clock. Tests pin the clock so
// Encode and Decode share a key.
func NewWithClock(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now}
}

func (c *Codec) key() []byte {
	ms := strconv.FormatInt(c.now().UnixMilli(), 10)
	k := base64.StdEncoding.EncodeToString([]byte(ms))
	if len(k) > 16 {
		k = k[:16]
	}
	return []byte(k)
}

// Encode XORs text with the derived key and base64-encodes the result.
// It never fails; the worst case is returning the input unchanged.
func (c *Codec) Encode(text string) string {
	key := c.key()
	if len(key) == 0 {
		return text
	}
	raw := []byte(text)
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ key[i%len(key)]
	}
	return base64.StdEncoding.EncodeToString(out)
}

// Decode reverses Encode with a freshly derived key. Input that is not valid
// base64 is returned unchanged rather than reported as an error.
func (c *Codec) Decode(token string) string {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return token
	}
	key := c.key()
	if len(key) == 0 {
		return token
	}
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = b ^ key[i%len(key)]
	}
	return string(out)
}

// LooksEncoded reports whether s survives a base64 decode/encode round trip,
// the heuristic used to tell encoded bodies from legacy plaintext rows.
func (c *Codec) LooksEncoded(s string) bool {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return base64.StdEncoding.EncodeToString(raw) == s
}
