package dialects

import (
	"regexp"
)

var junosPromptRegex = regexp.MustCompile(`^[^@]+@[^>]+> *$`)

type junos struct{}

func (junos) Tag() string {
	return TagJunos
}

func (junos) CaptureCommands() []string {
	return []string{
		"show configuration | display set | no-more",
	}
}

func (junos) Sanitize(raw string) string {
	return normalizeLines(raw, func(line string) bool {
		return junosPromptRegex.MatchString(line)
	})
}
