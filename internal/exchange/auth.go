// auth.go handles per-call credential injection and auth-failure detection.
//
// The Alpha endpoints authenticate with opaque browser session material: a
// header map plus a cookie blob captured per user. The client forwards both
// verbatim on every private call and never inspects or rewrites them.
//
// Session material expires server-side without warning, so the classifier
// watches response envelopes for the revocation signals the exchange
// actually emits (supplemental-authentication prompts, session expiry) and
// promotes them to KindAuthFailed, which is terminal for that user.
package exchange

import (
	"strings"

	"github.com/go-resty/resty/v2"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/pkg/types"
)

// applyCredentials forwards a user's captured session material on a request.
// Headers are set individually so resty's own defaults (Content-Type) are
// preserved unless the capture overrides them.
func applyCredentials(req *resty.Request, creds types.UserCredentials) *resty.Request {
	for k, v := range creds.Headers {
		req.SetHeader(k, v)
	}
	if creds.Cookies != "" {
		req.SetHeader("Cookie", creds.Cookies)
	}
	return req
}

// defaultAuthPatterns are the revocation messages the exchange is known to
// emit. Matched case-insensitively as substrings; config extends the list.
var defaultAuthPatterns = []string{
	"补充认证失败",
	"您必须完成此认证才能进入下一步",
	"authentication failed",
	"unauthorized",
	"invalid credentials",
	"token expired",
	"session expired",
}

// AuthClassifier decides whether an exchange error envelope means the
// user's credentials have been revoked. Two signal sources: an exact match
// against documented session-invalidation codes, and a case-insensitive
// substring match against known revocation messages.
type AuthClassifier struct {
	codes    map[string]struct{}
	patterns []string // lowercased
}

// NewAuthClassifier builds a classifier from the built-in patterns plus any
// codes and patterns added in config.
func NewAuthClassifier(cfg config.AuthFailureConfig) *AuthClassifier {
	codes := make(map[string]struct{}, len(cfg.Codes))
	for _, c := range cfg.Codes {
		codes[c] = struct{}{}
	}

	patterns := make([]string, 0, len(defaultAuthPatterns)+len(cfg.Patterns))
	for _, p := range defaultAuthPatterns {
		patterns = append(patterns, strings.ToLower(p))
	}
	for _, p := range cfg.Patterns {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, strings.ToLower(p))
		}
	}

	return &AuthClassifier{codes: codes, patterns: patterns}
}

// IsAuthFailure reports whether an error code + message pair indicates
// credential revocation.
func (c *AuthClassifier) IsAuthFailure(code, message string) bool {
	if _, ok := c.codes[code]; ok {
		return true
	}
	msg := strings.ToLower(message)
	for _, p := range c.patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
