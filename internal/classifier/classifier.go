// Package classifier implements the intent classifier contract of §6:
// a heuristic fallback classification plus authentication of an
// explicit MODE_OVERRIDE arriving as a signed JWT from the classifier
// service. Classification is advisory — it routes a task to a
// downstream execution plan, never a security boundary for task
// execution itself, so a missing or invalid signature degrades to the
// heuristic result rather than rejecting the submission.
package classifier

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Mode is one of the four classification buckets named in §6.
type Mode string

const (
	ModeNavigate Mode = "NAVIGATE"
	ModeResearch Mode = "RESEARCH"
	ModeTransact Mode = "TRANSACT"
	ModeGenerate Mode = "GENERATE"
)

// Classification is the result handed to the decomposer/loop: the
// submitted intent text, the resolved mode, and whether that mode came
// from an authenticated override rather than heuristic inference.
type Classification struct {
	Intent   string
	Mode     Mode
	Override bool
}

// overrideClaims is the expected shape of a MODE_OVERRIDE token.
type overrideClaims struct {
	Mode string `json:"mode"`
	jwt.RegisteredClaims
}

// Classifier resolves a submitted intent (and optional signed override
// token) to a Classification.
type Classifier struct {
	secret []byte
}

// New builds a Classifier. An empty secret means override verification
// always fails closed to heuristic classification — there is no
// configured trust anchor to check a signature against.
func New(secret string) *Classifier {
	return &Classifier{secret: []byte(secret)}
}

// Classify resolves mode for intent. If overrideToken is non-empty and
// verifies against the configured secret, its claimed mode wins and
// Override is true; otherwise the heuristic classifier runs and
// Override is false.
func (c *Classifier) Classify(intent, overrideToken string) Classification {
	if overrideToken != "" {
		if mode, ok := c.verifyOverride(overrideToken); ok {
			return Classification{Intent: intent, Mode: mode, Override: true}
		}
	}
	return Classification{Intent: intent, Mode: heuristic(intent), Override: false}
}

// verifyOverride authenticates a MODE_OVERRIDE token and extracts its
// claimed mode. Any parse, signature, or unrecognized-mode failure
// reports ok=false rather than an error — callers always have a safe
// heuristic fallback.
func (c *Classifier) verifyOverride(token string) (Mode, bool) {
	if len(c.secret) == 0 {
		return "", false
	}

	parsed, err := jwt.ParseWithClaims(token, &overrideClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return c.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}

	claims, ok := parsed.Claims.(*overrideClaims)
	if !ok {
		return "", false
	}

	mode := Mode(strings.ToUpper(claims.Mode))
	if !validMode(mode) {
		return "", false
	}
	return mode, true
}

func validMode(m Mode) bool {
	switch m {
	case ModeNavigate, ModeResearch, ModeTransact, ModeGenerate:
		return true
	default:
		return false
	}
}

// heuristicRules maps a small set of intent keywords to a mode, checked
// in order so the first matching rule wins; unmatched intent defaults
// to RESEARCH, the broadest and lowest-trust bucket.
var heuristicRules = []struct {
	keywords []string
	mode     Mode
}{
	{keywords: []string{"buy", "purchase", "checkout", "order", "add to cart", "pay"}, mode: ModeTransact},
	{keywords: []string{"write", "draft", "compose", "generate", "summarize", "translate"}, mode: ModeGenerate},
	{keywords: []string{"go to", "navigate", "open", "visit", "load"}, mode: ModeNavigate},
}

func heuristic(intent string) Mode {
	lower := strings.ToLower(intent)
	for _, rule := range heuristicRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.mode
			}
		}
	}
	return ModeResearch
}
