package agent

import "strings"

// ExtractKind tags which heuristic produced a plan extract. The precedence is
// fixed: an explicit marker wins over a bulleted list, a bulleted list over a
// numbered one, and a transcript head is the last resort.
type ExtractKind int

const (
	ExtractMarked ExtractKind = iota
	ExtractBulletList
	ExtractNumberedList
	ExtractTruncated
)

func (k ExtractKind) String() string {
	switch k {
	case ExtractMarked:
		return "marked"
	case ExtractBulletList:
		return "bullet-list"
	case ExtractNumberedList:
		return "numbered-list"
	default:
		return "truncated"
	}
}

// Extract is one extracted plan artifact.
type Extract struct {
	Kind   ExtractKind
	Marker string // set for ExtractMarked
	Body   string
}

// truncatedLimit bounds the last-resort extract.
const truncatedLimit = 500

// planMarkers are scanned in order; the first matching line starts the plan
// block.
var planMarkers = []string{
	"## Plan",
	"# Plan",
	"PLAN:",
	"Plan:",
	"Proposed plan",
	"Here's my plan",
	"Implementation plan",
}

// ExtractPlan pulls the plan artifact out of an agent transcript.
func ExtractPlan(transcript string) Extract {
	lines := strings.Split(transcript, "\n")

	for _, marker := range planMarkers {
		for i, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), marker) {
				body := strings.TrimSpace(strings.Join(lines[i:], "\n"))
				return Extract{Kind: ExtractMarked, Marker: marker, Body: body}
			}
		}
	}

	if body := contiguousList(lines, isBullet); body != "" {
		return Extract{Kind: ExtractBulletList, Body: body}
	}
	if body := contiguousList(lines, isNumbered); body != "" {
		return Extract{Kind: ExtractNumberedList, Body: body}
	}

	body := strings.TrimSpace(transcript)
	if len(body) > truncatedLimit {
		body = body[:truncatedLimit]
	}
	return Extract{Kind: ExtractTruncated, Body: body}
}

// contiguousList returns the first run of lines matching match, or "".
func contiguousList(lines []string, match func(string) bool) string {
	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case match(trimmed):
			if start < 0 {
				start = i
			}
		case start >= 0 && trimmed == "":
			// blank lines inside a list are tolerated
		case start >= 0:
			return strings.TrimSpace(strings.Join(lines[start:i], "\n"))
		}
	}
	if start >= 0 {
		return strings.TrimSpace(strings.Join(lines[start:], "\n"))
	}
	return ""
}

func isBullet(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ")
}

func isNumbered(line string) bool {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	return i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')')
}
