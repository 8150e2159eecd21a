// Package parse turns free-form model output into a structured explanation.
// Models do not reliably follow the requested format, so parsing is total:
// it always returns a usable value and signals sparse output via Degraded.
package parse

import "strings"

// Explanation is the structured form of one model response.
type Explanation struct {
	Title        string   `json:"title"`
	Bullets      []string `json:"bullets"`
	WhyItMatters string   `json:"why_it_matters"`
}

// Degraded reports that the response lacked the expected structure. The
// explanation is still rendered; callers may surface it as a quality hint.
func (e Explanation) Degraded() bool {
	return len(e.Bullets) == 0 || strings.TrimSpace(e.WhyItMatters) == ""
}

var bulletMarkers = []string{"- ", "* ", "+ ", "• "}

// Parse extracts title, bullets, and the "why it matters" section from a
// raw model response. It never fails; missing pieces come back empty.
func Parse(raw string) Explanation {
	out := Explanation{Bullets: []string{}}

	text := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	whyLines, why := extractWhy(lines)
	out.WhyItMatters = why

	titleIndex := -1
	seen := map[string]bool{}
	for i, line := range lines {
		if whyLines[i] {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if bulletText, ok := bullet(trimmed); ok {
			if bulletText == "" || seen[bulletText] {
				continue
			}
			seen[bulletText] = true
			out.Bullets = append(out.Bullets, bulletText)
			continue
		}

		if out.Title == "" {
			if title := cleanDecoration(trimmed); title != "" {
				out.Title = title
				titleIndex = i
			}
		}
	}

	if strings.TrimSpace(out.WhyItMatters) == "" {
		out.WhyItMatters = longestParagraph(lines, whyLines, titleIndex)
	}

	return out
}

// extractWhy locates the first "why it matters" label and collects its
// section. It returns the set of consumed line indexes and the joined text.
func extractWhy(lines []string) (map[int]bool, string) {
	consumed := map[int]bool{}

	start := -1
	var parts []string
	for i, line := range lines {
		if rest, ok := whyLabel(line); ok {
			start = i
			consumed[i] = true
			if rest != "" {
				parts = append(parts, rest)
			}
			break
		}
	}
	if start < 0 {
		return consumed, ""
	}

	collected := len(parts) > 0
	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			if collected {
				break
			}
			consumed[i] = true
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			break
		}

		consumed[i] = true
		if bulletText, ok := bullet(trimmed); ok {
			if bulletText != "" {
				parts = append(parts, bulletText)
				collected = true
			}
			continue
		}
		parts = append(parts, trimmed)
		collected = true
	}

	return consumed, strings.Join(parts, " ")
}

// whyLabel matches lines like "#### Why it matters", "Why it matters:",
// or "**Why it matters:** inline text" and returns any inline remainder.
func whyLabel(line string) (string, bool) {
	stripped := cleanDecoration(line)
	lower := strings.ToLower(stripped)
	if !strings.HasPrefix(lower, "why it matters") {
		return "", false
	}

	rest := strings.TrimSpace(stripped[len("why it matters"):])
	rest = strings.TrimSpace(strings.TrimLeft(rest, ":"))
	rest = strings.TrimSpace(strings.TrimLeft(rest, "*_"))
	return rest, true
}

func bullet(trimmed string) (string, bool) {
	for _, marker := range bulletMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return strings.TrimSpace(trimmed[len(marker):]), true
		}
	}
	switch trimmed {
	case "-", "*", "+", "•":
		return "", true
	}
	return "", false
}

// cleanDecoration strips markdown heading and emphasis markers from a line.
func cleanDecoration(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimSpace(strings.TrimLeft(s, "#"))
	s = strings.TrimSpace(strings.Trim(s, "*_"))
	return s
}

// longestParagraph picks the longest run of plain text as a stand-in for a
// missing "why it matters" section.
func longestParagraph(lines []string, whyLines map[int]bool, titleIndex int) string {
	var best string
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		joined := strings.Join(current, " ")
		if len(joined) > len(best) {
			best = joined
		}
		current = nil
	}

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if whyLines[i] || i == titleIndex || strings.HasPrefix(trimmed, "#") {
			flush()
			continue
		}
		if _, ok := bullet(trimmed); ok {
			flush()
			continue
		}
		current = append(current, trimmed)
	}
	flush()

	return best
}
