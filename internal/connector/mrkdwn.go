package connector

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	codeBlockPattern      = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern     = regexp.MustCompile("`[^`]+`")
	boldPattern           = regexp.MustCompile(`\*\*(.+?)\*\*`)
	linkPattern           = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingPattern        = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	rulePattern           = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	blankRunPattern       = regexp.MustCompile(`\n{3,}`)
	tableRowPattern       = regexp.MustCompile(`^\s*\|.*\|\s*$`)
	tableSeparatorPattern = regexp.MustCompile(`^\s*\|[-:\s|]+\|\s*$`)
)

// ruleLine replaces horizontal rules; Slack has no hr syntax.
var ruleLine = "\n" + strings.Repeat("━", 31) + "\n"

// ToMrkdwn converts standard markdown to Slack's mrkdwn dialect:
// *bold* instead of **bold**, <url|text> instead of [text](url), bold
// lines instead of headings, and tables rendered as wrapping lists.
//
// Code blocks and inline code are extracted first so their content
// survives the inline conversions untouched.
func ToMrkdwn(text string) string {
	var protected []string
	protect := func(s string) string {
		protected = append(protected, s)
		return fmt.Sprintf("\x00PROTECTED%d\x00", len(protected)-1)
	}

	text = codeBlockPattern.ReplaceAllStringFunc(text, protect)
	text = inlineCodePattern.ReplaceAllStringFunc(text, protect)

	// Tables convert before inline formatting so bold markers inside
	// cells are cleaned rather than converted.
	text = convertTables(text, protect)

	text = boldPattern.ReplaceAllString(text, "*$1*")
	text = linkPattern.ReplaceAllString(text, "<$2|$1>")
	text = headingPattern.ReplaceAllString(text, "*$1*")
	text = rulePattern.ReplaceAllString(text, ruleLine)

	for i, content := range protected {
		text = strings.Replace(text, fmt.Sprintf("\x00PROTECTED%d\x00", i), content, 1)
	}

	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// convertTables replaces each markdown table with a protected list
// rendering. Slack has no table syntax and code-block tables break on
// narrow screens, so tables become lists that wrap naturally.
func convertTables(text string, protect func(string) string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	var table []string
	inTable := false

	flush := func() {
		if len(table) > 0 {
			out = append(out, protect(renderTableAsList(table)))
		}
		table = nil
		inTable = false
	}

	for _, line := range lines {
		if tableRowPattern.MatchString(line) {
			inTable = true
			if !tableSeparatorPattern.MatchString(line) {
				table = append(table, line)
			}
			continue
		}
		if inTable {
			flush()
		}
		out = append(out, line)
	}
	if inTable {
		flush()
	}
	return strings.Join(out, "\n")
}

// renderTableAsList renders table rows as a structured list. Two-column
// tables become "*Key:* value" lines; wider tables repeat the column
// headers as labels under each row.
func renderTableAsList(rows []string) string {
	parsed := make([][]string, 0, len(rows))
	for _, row := range rows {
		cells := strings.Split(strings.Trim(strings.TrimSpace(row), "|"), "|")
		for i := range cells {
			cells[i] = strings.TrimSpace(cells[i])
		}
		parsed = append(parsed, cells)
	}
	if len(parsed) == 0 {
		return ""
	}

	headers := parsed[0]
	dataRows := parsed[1:]

	if len(dataRows) == 0 {
		parts := make([]string, 0, len(headers))
		for _, h := range headers {
			parts = append(parts, "*"+cleanCell(h)+"*")
		}
		return strings.Join(parts, "  ")
	}

	var lines []string
	if len(headers) == 2 {
		for _, row := range dataRows {
			key, value := "", ""
			if len(row) > 0 {
				key = cleanCell(row[0])
			}
			if len(row) > 1 {
				value = row[1]
			}
			lines = append(lines, fmt.Sprintf("*%s:* %s", key, value))
		}
		return strings.Join(lines, "\n")
	}

	for _, row := range dataRows {
		label := ""
		if len(row) > 0 {
			label = cleanCell(row[0])
		}
		lines = append(lines, "*"+label+"*")
		for col := 1; col < len(headers); col++ {
			value := ""
			if col < len(row) {
				value = row[col]
			}
			lines = append(lines, fmt.Sprintf("  %s: %s", cleanCell(headers[col]), value))
		}
		lines = append(lines, "")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// cleanCell strips markdown bold markers from cell text.
func cleanCell(s string) string {
	return strings.TrimSpace(boldPattern.ReplaceAllString(s, "$1"))
}
