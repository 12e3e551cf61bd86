package export

import (
	"html"
	"strings"
)

// TextToHTML renders workspace text as HTML. Blank lines separate blocks;
// "#" prefixes make headings and "- " or "* " lines make bullet lists.
// Everything else becomes a paragraph with line breaks kept.
func TextToHTML(content string) string {
	var b strings.Builder
	for _, block := range splitBlocks(content) {
		lines := strings.Split(block, "\n")
		switch {
		case headingLevel(lines[0]) > 0 && len(lines) == 1:
			level := headingLevel(lines[0])
			text := strings.TrimSpace(lines[0][level:])
			tag := "h" + string(rune('0'+min(level+1, 6)))
			b.WriteString("<" + tag + ">" + html.EscapeString(text) + "</" + tag + ">\n")
		case allBullets(lines):
			b.WriteString("<ul>\n")
			for _, line := range lines {
				item := strings.TrimSpace(line)[2:]
				b.WriteString("<li>" + html.EscapeString(strings.TrimSpace(item)) + "</li>\n")
			}
			b.WriteString("</ul>\n")
		default:
			escaped := make([]string, len(lines))
			for i, line := range lines {
				escaped[i] = html.EscapeString(line)
			}
			b.WriteString("<p>" + strings.Join(escaped, "<br>") + "</p>\n")
		}
	}
	return b.String()
}

func splitBlocks(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	var blocks []string
	for _, raw := range strings.Split(content, "\n\n") {
		if block := strings.Trim(raw, "\n"); strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func headingLevel(line string) int {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n >= len(line) || line[n] != ' ' {
		return 0
	}
	return n
}

func allBullets(lines []string) bool {
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if !strings.HasPrefix(t, "- ") && !strings.HasPrefix(t, "* ") {
			return false
		}
	}
	return true
}
