package loop

import (
	"context"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ghosttab/orchestrator/internal/driver"
)

// domBypassProbe is the JS snippet executed via evaluateExpression. It
// returns an array with one plain object per visible interactive element,
// carrying the fields named in §4.5 step 4; the driver hands the array
// back as decoded Go values ([]any of map[string]any).
const domBypassProbe = `(() => {
  const interactiveSelectors = 'button, a[href], input, select, textarea, [role="button"], [role="link"], [role="checkbox"], [role="tab"], [role="menuitem"]';
  const out = [];
  document.querySelectorAll(interactiveSelectors).forEach((el, i) => {
    const r = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    const visible = r.width > 0 && r.height > 0 && style.visibility !== 'hidden' && style.display !== 'none';
    if (!visible) return;
    out.push({
      tag: el.tagName.toLowerCase(),
      role: el.getAttribute('role') || '',
      type: el.getAttribute('type') || '',
      text: (el.innerText || el.value || '').trim().slice(0, 120),
      href: el.getAttribute('href') || '',
      inputValue: el.value || '',
      x: Math.round(r.x), y: Math.round(r.y), w: Math.round(r.width), h: Math.round(r.height),
      index: i,
    });
  });
  return out;
})()`

// domCandidate is one visible interactive element surfaced by the probe.
type domCandidate struct {
	Tag        string  `json:"tag"`
	Role       string  `json:"role"`
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Href       string  `json:"href"`
	InputValue string  `json:"inputValue"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	Index      int     `json:"index"`
}

// domBypassResult is what the loop needs from a bypass attempt.
type domBypassResult struct {
	attempted bool
	resolved  bool
	action    driver.Action
}

// scoreThreshold is how far ahead of the runner-up the top candidate must
// be for the bypass to count as a single strong match; a near-tie is not
// a strong candidate and the loop falls through to Tier 2.
const scoreThreshold = 2

// runDomBypass performs the deterministic DOM extraction named in §4.5
// step 4: probe visible interactive elements, score them against intent
// tokens, and emit a direct CLICK when exactly one strong candidate
// exists. goquery is used only to normalize each candidate's text (see
// normalizeText); scoring is plain substring matching in Go.
func runDomBypass(ctx context.Context, d driver.Driver, intent string) (domBypassResult, error) {
	raw, err := d.EvaluateExpression(ctx, domBypassProbe)
	if err != nil {
		return domBypassResult{attempted: true}, err
	}

	candidates := parseDomCandidates(raw)
	if len(candidates) == 0 {
		return domBypassResult{attempted: true}, nil
	}

	tokens := intentTokens(intent)
	best, bestScore, runnerUpScore := -1, 0, 0
	for i, c := range candidates {
		score := scoreCandidate(c, tokens)
		if score > bestScore {
			runnerUpScore = bestScore
			bestScore = score
			best = i
		} else if score > runnerUpScore {
			runnerUpScore = score
		}
	}

	if best < 0 || bestScore == 0 || bestScore-runnerUpScore < scoreThreshold {
		return domBypassResult{attempted: true}, nil
	}

	winner := candidates[best]
	return domBypassResult{
		attempted: true,
		resolved:  true,
		action: driver.Action{
			Kind: driver.ActionClick,
			X:    winner.X + winner.W/2,
			Y:    winner.Y + winner.H/2,
		},
	}, nil
}

func intentTokens(intent string) []string {
	fields := strings.FieldsFunc(strings.ToLower(intent), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}

func scoreCandidate(c domCandidate, tokens []string) int {
	haystack := strings.ToLower(strings.Join([]string{c.Text, c.Href, c.InputValue, c.Type, c.Role, c.Tag}, " "))
	score := 0
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if strings.Contains(haystack, t) {
			score++
		}
	}
	return score
}

// parseDomCandidates converts the probe's decoded array (a []any of
// map[string]any) into candidates, normalizing each text field with
// normalizeText. A []domCandidate is passed through unchanged; any other
// value yields no candidates.
func parseDomCandidates(raw any) []domCandidate {
	items, ok := raw.([]any)
	if !ok {
		// Some drivers (e.g. a fake in tests) may already hand back the
		// fully-typed slice.
		if typed, ok := raw.([]domCandidate); ok {
			return typed
		}
		return nil
	}

	out := make([]domCandidate, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, domCandidate{
			Tag:        stringField(m, "tag"),
			Role:       stringField(m, "role"),
			Type:       stringField(m, "type"),
			Text:       normalizeText(stringField(m, "text")),
			Href:       stringField(m, "href"),
			InputValue: stringField(m, "inputValue"),
			X:          floatField(m, "x"),
			Y:          floatField(m, "y"),
			W:          floatField(m, "w"),
			H:          floatField(m, "h"),
			Index:      int(floatField(m, "index")),
		})
	}
	return out
}

// normalizeText collapses runs of whitespace the way goquery's Text()
// output is typically post-processed in the corpus's body-text extractor.
// The candidate text is escaped before being wrapped so a value like
// "price < $50" parses as a text node instead of a malformed tag.
func normalizeText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<p>" + html.EscapeString(s) + "</p>"))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	return strings.Join(strings.Fields(doc.Find("p").First().Text()), " ")
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
