package dialogue

import (
	"log/slog"
	"regexp"
	"strings"
)

var (
	bracketGroupRE = regexp.MustCompile(`\[.*\]+`)
	namedSlotRE    = regexp.MustCompile(`\{[^}]+\}`)
	angleHintRE    = regexp.MustCompile(`\s*<[^>]+>\s*`)
)

// formulationPattern converts a formulation template into a permissive
// wildcard pattern: bracket groups and angle-bracket hints match
// anything, named slots match a single token, and literal question
// marks are escaped.
func formulationPattern(formulation string) string {
	p := bracketGroupRE.ReplaceAllString(formulation, ".*")
	p = strings.ReplaceAll(p, "{area}", ".*")
	p = strings.ReplaceAll(p, "{robot.name}", `([^\s]*|.*[0-9])`)
	p = namedSlotRE.ReplaceAllString(p, `[^\s]*`)
	p = angleHintRE.ReplaceAllString(p, ".*")
	p = strings.ReplaceAll(p, "?", `\?`)
	return p
}

// MatchesFormulation reports whether a previously shown literal
// utterance corresponds to a formulation template, ignoring case and
// any slot values substituted at display time.
func MatchesFormulation(utterance, formulation string) bool {
	pattern := "(?i)^" + strings.TrimSpace(formulationPattern(formulation)) + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("cannot match formulation",
			slog.String("formulation", formulation),
			slog.String("error", err.Error()))
		return false
	}
	return re.MatchString(strings.TrimSpace(utterance))
}
