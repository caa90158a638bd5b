// Package output turns the color classes of the merge list into ANSI escape
// sequences.
package output

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const escSeq = "\x1b["

var (
	styles = map[string][]string{
		"NORMAL":                {"normal"},
		"GOOD":                  {"green"},
		"WARN":                  {"yellow"},
		"BAD":                   {"red"},
		"HILITE":                {"teal"},
		"BRACKET":               {"blue"},
		"PKG_BLOCKER":           {"red"},
		"PKG_BLOCKER_SATISFIED": {"darkblue"},
		"PKG_MERGE":             {"darkgreen"},
		"PKG_BINARY_MERGE":      {"purple"},
		"PKG_UNINSTALL":         {"red"},
		"PKG_NOMERGE":           {"darkblue"},
	}
	codes = map[string]string{
		"normal": escSeq + "0m", "reset": escSeq + "39;49;00m",
		"bold": escSeq + "01m", "underline": escSeq + "04m",
	}
	ansiCodes = []string{"30m", "30;01m", "31m", "31;01m",
		"32m", "32;01m", "33m", "33;01m", "34m", "34;01m",
		"35m", "35;01m", "36m", "36;01m", "37m", "37;01m"}
	colorNames = []string{"black", "darkgray", "darkred", "red",
		"darkgreen", "green", "brown", "yellow", "darkblue", "blue",
		"purple", "fuchsia", "teal", "turquoise", "lightgray", "white"}
)

func init() {
	for i, name := range colorNames {
		codes[name] = escSeq + ansiCodes[i]
	}
}

// Palette colors text by class. The zero Palette leaves text untouched.
type Palette struct {
	enabled bool
	styles  map[string][]string
}

// New returns a palette that colors when enabled is set.
func New(enabled bool) Palette {
	return Palette{enabled: enabled, styles: styles}
}

// WithStyles overrides classes with "CLASS=color color..." entries, the
// format of color.map.
func (p Palette) WithStyles(entries []string) (Palette, error) {
	merged := make(map[string][]string, len(p.styles)+len(entries))
	for k, v := range p.styles {
		merged[k] = v
	}
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			return p, errors.Errorf("color map: missing '=' in %q", e)
		}
		attrs := strings.Fields(v)
		for _, a := range attrs {
			if _, ok := codes[a]; !ok {
				return p, errors.Errorf("color map: unknown color %q for %s", a, k)
			}
		}
		merged[strings.TrimSpace(k)] = attrs
	}
	p.styles = merged
	return p, nil
}

func (p Palette) code(class string) (string, bool) {
	if c, ok := codes[class]; ok {
		return c, true
	}
	attrs, ok := p.styles[class]
	if !ok {
		return "", false
	}
	var b strings.Builder
	for _, a := range attrs {
		b.WriteString(codes[a])
	}
	return b.String(), true
}

// Colorize wraps text in the escape sequence of class, which is either a
// style class or a plain color name. Unknown classes are left plain.
func (p Palette) Colorize(class, text string) string {
	if !p.enabled {
		return text
	}
	c, ok := p.code(class)
	if !ok {
		return text
	}
	return c + text + codes["reset"]
}

// ColorMap renders the basic classes as shell assignments.
func (p Palette) ColorMap() string {
	var out []string
	for _, c := range []string{"GOOD", "WARN", "BAD", "HILITE", "BRACKET", "NORMAL"} {
		code, _ := p.code(c)
		out = append(out, fmt.Sprintf("%s=$'%s'", c, code))
	}
	return strings.Join(out, "\n")
}
