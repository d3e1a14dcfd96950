package dispatch

import "strings"

// ParseInstancePrefix extracts a leading instance address from message
// text. Recognized forms, all case-insensitive:
//
//	alpha: review this
//	alpha, review this
//	@alpha review this
//	hey alpha, review this
//	alpha review this
//
// The returned name is the canonical entry from known. When no known
// instance leads the text, the default is returned with the text
// untouched and explicit false. Names embedded mid-sentence ("the alpha
// version") never match.
func ParseInstancePrefix(text string, known []string, defaultName string) (name, rest string, explicit bool) {
	trimmed := strings.TrimSpace(text)

	lower := strings.ToLower(trimmed)
	for _, greeting := range []string{"hey ", "hi "} {
		if strings.HasPrefix(lower, greeting) {
			candidate := strings.TrimSpace(trimmed[len(greeting):])
			if n, r, ok := matchLeadingName(candidate, known); ok {
				return n, r, true
			}
		}
	}

	if strings.HasPrefix(trimmed, "@") {
		if n, r, ok := matchLeadingName(trimmed[1:], known); ok {
			return n, r, true
		}
	}

	if n, r, ok := matchLeadingName(trimmed, known); ok {
		return n, r, true
	}

	return defaultName, trimmed, false
}

// matchLeadingName matches a known instance name at the start of text,
// followed by ':', ',', whitespace, or end of input.
func matchLeadingName(text string, known []string) (string, string, bool) {
	lower := strings.ToLower(text)
	for _, name := range known {
		ln := strings.ToLower(name)
		if !strings.HasPrefix(lower, ln) {
			continue
		}
		rest := text[len(ln):]
		if rest == "" {
			return name, "", true
		}
		switch rest[0] {
		case ':', ',':
			return name, strings.TrimSpace(rest[1:]), true
		case ' ', '\t', '\n':
			return name, strings.TrimSpace(rest), true
		}
	}
	return "", "", false
}
