package config

import (
	"bufio"
	"strings"

	"github.com/baresque/bar"
)

// ParseText parses an INI-like config file per §6: sections bounded by
// `[name]` … `[end]`, `name = value` lines, `#` comments, no line
// continuation. Every non-comment, non-section-marker line is handed
// to p.Parse under whatever section is currently open.
func (p *Parser) ParseText(text string) error {
	section := ""
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "end" {
				section = ""
			} else {
				section = name
			}
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return bar.Errorf(bar.CorruptData, "malformed config line %q", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if err := p.Parse(section, name, value); err != nil {
			return err
		}
	}
	return sc.Err()
}

// DeleteBySection removes the `[section] … [end]` block (if present)
// from text, trimming leading/trailing blank lines left behind
// (§4.I's delete-by-section contract).
func DeleteBySection(text, section string) string {
	lines := strings.Split(text, "\n")
	var out []string
	inSection := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inSection && trimmed == "["+section+"]" {
			inSection = true
			continue
		}
		if inSection && trimmed == "[end]" {
			inSection = false
			continue
		}
		if inSection {
			continue
		}
		out = append(out, line)
	}
	return trimBlankLines(out)
}

// DeleteByName removes every top-level `name = value` line (outside
// any section) matching name, preserving comments and blank lines
// elsewhere, per §4.I's delete-by-name contract.
func DeleteByName(text, name string) string {
	lines := strings.Split(text, "\n")
	var out []string
	depth := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			if trimmed == "[end]" {
				if depth > 0 {
					depth--
				}
			} else {
				depth++
			}
			out = append(out, line)
			continue
		}
		if depth == 0 && matchesAssignment(trimmed, name) {
			continue
		}
		out = append(out, line)
	}
	return trimBlankLines(out)
}

func matchesAssignment(trimmed, name string) bool {
	field, _, ok := strings.Cut(trimmed, "=")
	if !ok {
		return false
	}
	return strings.TrimSpace(field) == name
}

func trimBlankLines(lines []string) string {
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	end := len(lines)
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}
