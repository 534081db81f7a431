// Package security gathers the guard rails applied to mutating operations:
// per-action rate limits, input sanitization, URL validation and an allowed
// emoji set. The checks live in one explicit Context value handed to the
// stores instead of ambient globals.
package security

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"linkshare/internal/ratelimit"
)

// Action names a rate-limited operation.
type Action string

const (
	ActionCreateLink     Action = "create_link"
	ActionCreateMessage  Action = "create_message"
	ActionCreateReaction Action = "create_reaction"
	ActionLogin          Action = "login"
)

// MaxMessageLength bounds chat message bodies after sanitization.
const MaxMessageLength = 2000

// AllowedEmojis is the reaction picker set. Toggle requests outside it are
// rejected before reaching the store.
var AllowedEmojis = []string{"👍", "👎", "❤️", "😂", "😮", "😢", "😡", "🔥", "👏", "✨"}

var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrInvalidURL   = errors.New("invalid url")
	ErrInvalidEmoji = errors.New("invalid emoji")
)

var (
	scriptTagRe    = regexp.MustCompile(`(?is)<script\b.*?</script\s*>`)
	htmlTagRe      = regexp.MustCompile(`<[^>]+>`)
	jsSchemeRe     = regexp.MustCompile(`(?i)javascript:`)
	eventHandlerRe = regexp.MustCompile(`(?i)on\w+\s*=`)
)

// Context bundles per-action limiters. A zero-value Context performs no rate
// limiting, which suits tests of the layers above.
type Context struct {
	limiters map[Action]ratelimit.Limiter
}

// NewContext builds a Context from per-action limiters. Actions without a
// limiter are unlimited.
func NewContext(limiters map[Action]ratelimit.Limiter) *Context {
	return &Context{limiters: limiters}
}

// Check enforces the action's rate limit for the given key, usually a user
// id. Denials are audited.
func (c *Context) Check(action Action, key string) error {
	if c == nil || c.limiters == nil {
		return nil
	}
	limiter, ok := c.limiters[action]
	if !ok || limiter == nil {
		return nil
	}
	if limiter.Allow(string(action) + ":" + key) {
		return nil
	}
	slog.Warn("security_event",
		"event", "rate_limit",
		"outcome", "denied",
		"action", string(action),
		"key", key,
	)
	return fmt.Errorf("%s: %w", action, ErrRateLimited)
}

// SanitizeInput strips script tags, remaining markup, javascript: schemes
// and inline event handlers, then trims whitespace. It is lossy on purpose:
// suspicious fragments are removed, not escaped.
func SanitizeInput(input string) string {
	out := strings.TrimSpace(input)
	out = scriptTagRe.ReplaceAllString(out, "")
	out = htmlTagRe.ReplaceAllString(out, "")
	out = jsSchemeRe.ReplaceAllString(out, "")
	out = eventHandlerRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// ValidateEmoji checks membership in the allowed reaction set.
func ValidateEmoji(emoji string) error {
	for _, allowed := range AllowedEmojis {
		if emoji == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidEmoji, emoji)
}
