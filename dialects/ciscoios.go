package dialects

import (
	"regexp"
	"strings"
)

var ciscoPromptRegex = regexp.MustCompile(`^[\w.-]+[#>] *$`)

type ciscoIOS struct{}

func (ciscoIOS) Tag() string {
	return TagCiscoIOS
}

func (ciscoIOS) CaptureCommands() []string {
	return []string{
		"terminal length 0",
		"show running-config",
	}
}

func (ciscoIOS) Sanitize(raw string) string {
	return normalizeLines(raw, func(line string) bool {
		if ciscoPromptRegex.MatchString(line) {
			return true
		}
		// Header noise that changes between otherwise identical captures
		if strings.HasPrefix(line, "Building configuration") {
			return true
		}
		if strings.HasPrefix(line, "Current configuration") {
			return true
		}
		return false
	})
}
