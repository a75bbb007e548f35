// Package axcodec implements the pluggable compact accessibility-tree
// codec (§6): a stateless, deterministic transform from normalized AX
// nodes into a compact legend-plus-tuple encoding suitable for a model
// prompt, with roles and states mapped through a small lookup table.
package axcodec

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ghosttab/orchestrator/internal/driver"
)

// Codec transforms normalized AX nodes into a compact representation and
// back. Encode/Decode round-trip {nodeId, role, name} exactly and
// bounding boxes to within the rounding grid's resolution.
type Codec interface {
	Encode(nodes []driver.AXNode) string
	Decode(encoded string) ([]driver.AXNode, error)
}

// roleAbbrev and its inverse are the role lookup table named in §6.
// Unknown roles pass through unchanged.
var roleAbbrev = map[string]string{
	"button":    "btn",
	"link":      "lnk",
	"checkbox":  "chk",
	"searchbox": "inp",
	"textbox":   "txt",
	"combobox":  "cmb",
	"radio":     "rad",
	"menuitem":  "mi",
	"tab":       "tab",
	"spinbutton": "spn",
	"slider":    "sld",
	"switch":    "swt",
}

var roleExpand = invert(roleAbbrev)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// boundsRounding is the nearest-multiple grid applied to bounding boxes.
const boundsRounding = 5

// ToonCodec is the reference compact codec: a "table of object notation"
// style encoding of a legend line followed by one tuple line per node.
type ToonCodec struct{}

// NewToonCodec returns the default pluggable codec implementation.
func NewToonCodec() *ToonCodec { return &ToonCodec{} }

// Encode renders nodes as a legend string followed by per-node tuples
// `[nodeId, role, name, value?, states?, [x,y,w,h]?]`, omitting trailing
// empty fields. Deterministic: identical input always yields identical
// output, with nodes emitted in the input order.
func (ToonCodec) Encode(nodes []driver.AXNode) string {
	var b strings.Builder
	b.WriteString(legend())
	b.WriteByte('\n')

	for _, n := range nodes {
		b.WriteString(encodeNode(n))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func legend() string {
	return "L:nodeId,role,name,value?,states?,[x,y,w,h]?"
}

func encodeNode(n driver.AXNode) string {
	role := abbreviateRole(n.Role)
	name := escapeField(n.Name)

	fields := []string{n.NodeID, role, name}

	value := escapeField(n.Value)
	states := encodeStates(n.States)
	box := encodeBox(n.BoundingBox)

	if value == "" && states == "" && box == "" {
		return "[" + strings.Join(fields, ",") + "]"
	}
	fields = append(fields, value)

	if states == "" && box == "" {
		return "[" + strings.Join(fields, ",") + "]"
	}
	fields = append(fields, states)

	if box == "" {
		return "[" + strings.Join(fields, ",") + "]"
	}
	fields = append(fields, box)
	return "[" + strings.Join(fields, ",") + "]"
}

func abbreviateRole(role string) string {
	if abbr, ok := roleAbbrev[role]; ok {
		return abbr
	}
	return role
}

func expandRole(abbr string) string {
	if role, ok := roleExpand[abbr]; ok {
		return role
	}
	return abbr
}

// encodeStates maps each state through the §6 state lookup table:
// focusable->f, focused->F, settable->s, checked:true->c1,
// editable:plaintext->ept, keyshortcuts:Ctrl+Alt+F->ks1, url:<v>->u:<v>.
// Unknown states pass through unchanged.
func encodeStates(states []driver.AXNodeState) string {
	if len(states) == 0 {
		return ""
	}
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, encodeState(string(s)))
	}
	return strings.Join(out, "+")
}

func encodeState(s string) string {
	switch s {
	case "focusable":
		return "f"
	case "focused":
		return "F"
	case "settable":
		return "s"
	case "checked:true":
		return "c1"
	case "editable:plaintext":
		return "ept"
	case "keyshortcuts:Ctrl+Alt+F":
		return "ks1"
	}
	if strings.HasPrefix(s, "url:") {
		return "u:" + strings.TrimPrefix(s, "url:")
	}
	return s
}

func decodeState(s string) string {
	switch s {
	case "f":
		return "focusable"
	case "F":
		return "focused"
	case "s":
		return "settable"
	case "c1":
		return "checked:true"
	case "ept":
		return "editable:plaintext"
	case "ks1":
		return "keyshortcuts:Ctrl+Alt+F"
	}
	if strings.HasPrefix(s, "u:") {
		return "url:" + strings.TrimPrefix(s, "u:")
	}
	return s
}

func encodeBox(b driver.BoundingBox) string {
	if b.X == 0 && b.Y == 0 && b.Width == 0 && b.Height == 0 {
		return ""
	}
	return fmt.Sprintf("[%d,%d,%d,%d]",
		roundTo(b.X, boundsRounding), roundTo(b.Y, boundsRounding),
		roundTo(b.Width, boundsRounding), roundTo(b.Height, boundsRounding))
}

func roundTo(v float64, step int) int {
	return int(math.Round(v/float64(step)) * float64(step))
}

// escapeField percent-escapes the tuple delimiters (",", "[", "]"), the
// line separator, and "%" itself, so free text never splits a tuple and
// unescapeField restores it exactly.
func escapeField(s string) string {
	r := strings.NewReplacer("%", "%25", ",", "%2C", "[", "%5B", "]", "%5D", "\n", "%0A")
	return r.Replace(s)
}

func unescapeField(s string) string {
	r := strings.NewReplacer("%2C", ",", "%5B", "[", "%5D", "]", "%0A", "\n", "%25", "%")
	return r.Replace(s)
}

// Decode parses the Encode output back into AXNode values. It tolerates
// an empty node set (legend line only) and ignores blank lines.
func (ToonCodec) Decode(encoded string) ([]driver.AXNode, error) {
	lines := strings.Split(encoded, "\n")
	var nodes []driver.AXNode

	for i, line := range lines {
		if i == 0 {
			continue // legend
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := decodeNode(line)
		if err != nil {
			return nil, fmt.Errorf("axcodec: decode line %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func decodeNode(line string) (driver.AXNode, error) {
	if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
		return driver.AXNode{}, fmt.Errorf("malformed tuple: %q", line)
	}
	inner := line[1 : len(line)-1]
	fields := splitFields(inner)
	if len(fields) < 3 {
		return driver.AXNode{}, fmt.Errorf("tuple has too few fields: %q", line)
	}

	n := driver.AXNode{
		NodeID: fields[0],
		Role:   expandRole(fields[1]),
		Name:   unescapeField(fields[2]),
	}
	if len(fields) > 3 && fields[3] != "" {
		n.Value = unescapeField(fields[3])
	}
	if len(fields) > 4 && fields[4] != "" {
		for _, s := range strings.Split(fields[4], "+") {
			n.States = append(n.States, driver.AXNodeState(decodeState(s)))
		}
	}
	if len(fields) > 5 && fields[5] != "" {
		box, err := decodeBox(fields[5])
		if err != nil {
			return driver.AXNode{}, err
		}
		n.BoundingBox = box
	}
	return n, nil
}

// splitFields splits a tuple's inner content on top-level commas only,
// so a nested "[x,y,w,h]" bounding-box field isn't shredded.
func splitFields(inner string) []string {
	var fields []string
	depth := 0
	start := 0
	for i, r := range inner {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				fields = append(fields, inner[start:i])
				start = i + 1
			}
		}
	}
	fields = append(fields, inner[start:])
	return fields
}

func decodeBox(s string) (driver.BoundingBox, error) {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return driver.BoundingBox{}, fmt.Errorf("malformed bounding box: %q", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return driver.BoundingBox{}, fmt.Errorf("malformed bounding box value %q: %w", p, err)
		}
		vals[i] = f
	}
	return driver.BoundingBox{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

var _ Codec = ToonCodec{}
