// Package dialects contains the per-vendor command vocabulary for capturing
// switch configurations over a shell session. New vendors add a variant, not
// a rewrite.
package dialects

import (
	"sort"
	"strings"
)

// Dialect tags, configured per device.
const (
	TagCiscoIOS = "cisco_ios"
	TagJunos    = "junos"
	TagVyOS     = "vyos"
)

// Dialect - Vendor-specific capture behavior for one switch family.
type Dialect interface {
	// Tag - The dialect tag as configured on devices.
	Tag() string
	// CaptureCommands - Commands to run in sequence. Their outputs are
	// concatenated into the captured configuration text.
	CaptureCommands() []string
	// Sanitize - Strip prompts, command echo and terminal noise from raw
	// captured output so identical configurations hash identically.
	Sanitize(raw string) string
}

var registered = map[string]Dialect{
	TagCiscoIOS: ciscoIOS{},
	TagJunos:    junos{},
	TagVyOS:     vyOS{},
}

// Lookup - Find a dialect by tag.
func Lookup(tag string) (Dialect, bool) {
	dialect, found := registered[tag]
	return dialect, found
}

// Tags - All known dialect tags, sorted.
func Tags() []string {
	tags := make([]string, 0, len(registered))
	for tag := range registered {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Shared by all dialects: drop carriage returns and trailing whitespace so
// transport artifacts never produce a new config version.
func normalizeLines(raw string, dropLine func(string) bool) string {
	var builder strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(strings.ReplaceAll(line, "\r", ""), " \t")
		if dropLine != nil && dropLine(line) {
			continue
		}
		builder.WriteString(line)
		builder.WriteString("\n")
	}
	return strings.TrimRight(builder.String(), "\n") + "\n"
}
