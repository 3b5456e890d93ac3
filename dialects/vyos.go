package dialects

import (
	"regexp"
)

var vyosPromptRegex = regexp.MustCompile(`^[\w.-]+@[\w.-]+[:~][^$]*\$ *$`)

type vyOS struct{}

func (vyOS) Tag() string {
	return TagVyOS
}

func (vyOS) CaptureCommands() []string {
	return []string{
		"show configuration commands",
	}
}

func (vyOS) Sanitize(raw string) string {
	return normalizeLines(raw, func(line string) bool {
		return vyosPromptRegex.MatchString(line)
	})
}
