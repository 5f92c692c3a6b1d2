package session

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	previewTail  = 4096
	previewRunes = 160
)

// ansiPattern matches CSI, OSC, DCS/PM/APC strings, charset selection and
// the single-character escapes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?<=>]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[PX^_][^\x1b]*\x1b\\|\x1b[()][0-9A-Za-z]|\x1b[=>78cDEHM]`)

// previewLine returns the last non-blank line of terminal output with
// escape sequences and control characters removed.
func previewLine(output []byte) string {
	clean := ansiPattern.ReplaceAll(output, nil)
	text := strings.ToValidUTF8(string(clean), "")
	// A carriage return without a newline overwrites the line, so only the
	// text after it is visible.
	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if j := strings.LastIndexByte(line, '\r'); j >= 0 {
			line = line[j+1:]
		}
		line = strings.TrimSpace(strings.Map(func(r rune) rune {
			if unicode.IsControl(r) {
				return -1
			}
			return r
		}, line))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > previewRunes {
			line = string([]rune(line)[:previewRunes]) + "…"
		}
		return line
	}
	return ""
}
