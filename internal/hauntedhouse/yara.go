package hauntedhouse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// minAtomLength is the shortest byte string the remote index can filter on.
const minAtomLength = 3

var (
	reStringDecl = regexp.MustCompile(`^\$[A-Za-z0-9_]*\s*=\s*(.+)$`)
	reHexByte    = regexp.MustCompile(`^[0-9A-Fa-f]{2}$`)
	reCountOf    = regexp.MustCompile(`^(any|all|\d+)\s+of\s+them$`)
)

// QueryFromYara derives the candidate filter expression the remote service
// uses for rule. Each filterable string becomes a hex atom and the condition
// decides how many atoms a candidate file must contain, giving for example
// "(min 1 of ({61 62 63}, {4d 5a 90}))". An empty result means the rule
// cannot narrow the candidate set.
func QueryFromYara(rule string) string {
	strs, condition := splitRule(rule)
	if len(strs) == 0 {
		return ""
	}

	var atoms []string
	unfilterable := 0
	for _, decl := range strs {
		atom, ok := atomFor(decl)
		if !ok {
			unfilterable++
			continue
		}
		atoms = append(atoms, atom)
	}
	if len(atoms) == 0 {
		return ""
	}

	m := reCountOf.FindStringSubmatch(strings.Join(strings.Fields(condition), " "))
	if m == nil {
		return ""
	}
	var need int
	switch m[1] {
	case "all":
		need = len(atoms)
	case "any":
		need = 1 - unfilterable
	default:
		n, _ := strconv.Atoi(m[1])
		need = n - unfilterable
	}
	if need <= 0 {
		return ""
	}
	if need > len(atoms) {
		need = len(atoms)
	}
	return fmt.Sprintf("(min %d of (%s))", need, strings.Join(atoms, ", "))
}

// splitRule returns the string declarations and the condition text of the
// first rule in text.
func splitRule(text string) ([]string, string) {
	var strs []string
	var cond []string
	section := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(stripComment(line))
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "meta:"):
			section = "meta"
			continue
		case strings.HasPrefix(line, "strings:"):
			section = "strings"
			line = strings.TrimSpace(strings.TrimPrefix(line, "strings:"))
		case strings.HasPrefix(line, "condition:"):
			section = "condition"
			line = strings.TrimSpace(strings.TrimPrefix(line, "condition:"))
		}
		if line == "" {
			continue
		}
		switch section {
		case "strings":
			strs = append(strs, line)
		case "condition":
			if strings.HasPrefix(line, "}") {
				return strs, strings.Join(cond, " ")
			}
			cond = append(cond, strings.TrimSuffix(line, "}"))
		}
	}
	return strs, strings.Join(cond, " ")
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i+1 < len(line); i++ {
		switch {
		case line[i] == '\\' && inQuote:
			i++
		case line[i] == '"':
			inQuote = !inQuote
		case !inQuote && line[i] == '/' && line[i+1] == '/':
			return line[:i]
		}
	}
	return line
}

// atomFor turns one string declaration into a hex atom, or reports that the
// string cannot be used for filtering (regexes, wildcards, short strings).
func atomFor(decl string) (string, bool) {
	m := reStringDecl.FindStringSubmatch(decl)
	if m == nil {
		return "", false
	}
	value := strings.TrimSpace(m[1])
	var data []byte
	switch {
	case strings.HasPrefix(value, `"`):
		end := closingQuote(value)
		if end < 0 {
			return "", false
		}
		modifiers := strings.Fields(value[end+1:])
		for _, mod := range modifiers {
			if mod != "ascii" && mod != "fullword" && mod != "private" {
				return "", false
			}
		}
		data = unescape(value[1:end])
	case strings.HasPrefix(value, "{"):
		end := strings.IndexByte(value, '}')
		if end < 0 {
			return "", false
		}
		for _, tok := range strings.Fields(value[1:end]) {
			if !reHexByte.MatchString(tok) {
				return "", false
			}
			b, _ := strconv.ParseUint(tok, 16, 8)
			data = append(data, byte(b))
		}
	default:
		return "", false
	}
	if len(data) < minAtomLength {
		return "", false
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return "{" + strings.Join(parts, " ") + "}", true
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func unescape(s string) []byte {
	var out []byte
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			out = append(out, s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case 'x':
			if i+3 <= len(s) {
				if b, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					out = append(out, byte(b))
					i += 2
					continue
				}
			}
			out = append(out, 'x')
		default:
			out = append(out, s[i])
		}
	}
	return out
}
