package driver

import "strings"

// Resource categories a ChromeDriver can suppress via fetch interception
// while perceiving a page, so background telemetry never shows up as a
// false "significant DOM mutation" between steps.
var (
	telemetryPatterns = []string{
		"*google-analytics.com*",
		"*googletagmanager.com*",
		"*gtm.js*",
		"*gtag/js*",
		"*hotjar.com*",
		"*segment.com*",
		"*segment.io*",
		"*mixpanel.com*",
		"*amplitude.com*",
		"*clarity.ms*",
		"*fullstory.com*",
		"*logrocket.com*",
	}

	adPatterns = []string{
		"*doubleclick.net*",
		"*googlesyndication.com*",
		"*googleadservices.com*",
		"*adnxs.com*",
		"*criteo.com*",
		"*criteo.net*",
		"*amazon-adsystem.com*",
		"*adsrvr.org*",
		"*outbrain.com*",
		"*taboola.com*",
	}
)

// Blocklist decides whether a request should be suppressed before it
// reaches the page, by URL wildcard pattern or resource type.
type Blocklist struct {
	patterns     []string
	blockedTypes map[string]bool
}

// NewBlocklist builds a Blocklist. blockTelemetry/blockAds toggle the
// built-in pattern sets; blockedTypes additionally suppresses whole
// resource-type classes (e.g. "image", "font", "media").
func NewBlocklist(blockTelemetry, blockAds bool, blockedTypes []string) *Blocklist {
	var patterns []string
	if blockTelemetry {
		patterns = append(patterns, telemetryPatterns...)
	}
	if blockAds {
		patterns = append(patterns, adPatterns...)
	}

	typeSet := make(map[string]bool, len(blockedTypes))
	for _, t := range blockedTypes {
		typeSet[strings.ToLower(t)] = true
	}

	return &Blocklist{patterns: patterns, blockedTypes: typeSet}
}

// ShouldBlock reports whether a request matching url/resourceType should
// be suppressed.
func (b *Blocklist) ShouldBlock(url, resourceType string) bool {
	if b == nil {
		return false
	}
	if b.blockedTypes[strings.ToLower(resourceType)] {
		return true
	}
	urlLower := strings.ToLower(url)
	for _, pattern := range b.patterns {
		if wildcardMatch(pattern, urlLower) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the blocklist suppresses nothing.
func (b *Blocklist) IsEmpty() bool {
	if b == nil {
		return true
	}
	return len(b.patterns) == 0 && len(b.blockedTypes) == 0
}

// wildcardMatch performs case-insensitive "*"-glob matching; pattern is
// lowercased here, text is assumed already lowercased by the caller.
func wildcardMatch(pattern, text string) bool {
	pattern = strings.ToLower(pattern)
	if pattern == "*" {
		return true
	}
	if pattern == "" {
		return text == ""
	}

	parts := strings.Split(pattern, "*")

	if !strings.HasPrefix(pattern, "*") && !strings.HasPrefix(text, parts[0]) {
		return false
	}
	if !strings.HasSuffix(pattern, "*") && !strings.HasSuffix(text, parts[len(parts)-1]) {
		return false
	}

	pos := 0
	for _, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(text[pos:], part)
		if idx < 0 {
			return false
		}
		pos += idx + len(part)
	}
	return true
}
