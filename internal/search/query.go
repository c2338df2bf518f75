// Package search parses the Lucene-like query syntax accepted by the list and
// hit endpoints and turns it into SQLite WHERE and ORDER BY fragments.
package search

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrSearch is returned for any malformed query, filter, sort or field list.
var ErrSearch = errors.New("search exception")

// Kind tells the parser how to coerce a term value for a column.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

// Field maps a public field name to its SQL column.
type Field struct {
	Column string
	Kind   Kind
}

// Schema describes what a component allows in queries.
type Schema struct {
	// Fields are the queryable and sortable fields, keyed by public name.
	Fields map[string]Field
	// Text lists the columns matched by bare words.
	Text []string
	// Stored lists additional names that may appear in a field list but
	// cannot be queried.
	Stored []string
}

// Params carries the common search parameters of the list endpoints.
type Params struct {
	Query   string   `json:"query"`
	Offset  int      `json:"offset"`
	Rows    int      `json:"rows"`
	Sort    string   `json:"sort"`
	Fields  []string `json:"fl"`
	Filters []string `json:"filters"`
	// LazyTotal is set when the caller sent track_total_hits=false. Counting
	// then stops once the page is full, so the total is a lower bound.
	LazyTotal bool `json:"-"`
}

// Enough reports whether a search that has counted n matches may stop: the
// total is lazy and the requested page is complete.
func (p Params) Enough(n int) bool {
	return p.LazyTotal && n >= max(p.Offset, 0)+p.Rows
}

// Where builds a WHERE clause body (without the keyword) for query and filters.
// An empty result means no restriction.
func (s Schema) Where(query string, filters []string) (string, []any, error) {
	var parts []string
	var args []any
	for _, q := range append([]string{query}, filters...) {
		clause, a, err := s.parse(q)
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			continue
		}
		parts = append(parts, "("+clause+")")
		args = append(args, a...)
	}
	return strings.Join(parts, " AND "), args, nil
}

// OrderBy turns "field asc, other desc" into an ORDER BY body.
func (s Schema) OrderBy(sort string) (string, error) {
	sort = strings.TrimSpace(sort)
	if sort == "" {
		return "", nil
	}
	var out []string
	for _, item := range strings.Split(sort, ",") {
		words := strings.Fields(item)
		if len(words) == 0 || len(words) > 2 {
			return "", fmt.Errorf("%w: invalid sort %q", ErrSearch, item)
		}
		f, ok := s.Fields[words[0]]
		if !ok {
			return "", fmt.Errorf("%w: unknown sort field %q", ErrSearch, words[0])
		}
		dir := "ASC"
		if len(words) == 2 {
			switch strings.ToLower(words[1]) {
			case "asc":
			case "desc":
				dir = "DESC"
			default:
				return "", fmt.Errorf("%w: invalid sort direction %q", ErrSearch, words[1])
			}
		}
		out = append(out, f.Column+" "+dir)
	}
	return strings.Join(out, ", "), nil
}

// CheckFields validates a field list against the schema. Dotted names are
// accepted when their first segment is known.
func (s Schema) CheckFields(fields []string) error {
	for _, name := range fields {
		if s.known(name) {
			continue
		}
		if head, _, ok := strings.Cut(name, "."); ok && s.known(head) {
			continue
		}
		return fmt.Errorf("%w: unknown field %q", ErrSearch, name)
	}
	return nil
}

func (s Schema) known(name string) bool {
	if _, ok := s.Fields[name]; ok {
		return true
	}
	for _, n := range s.Stored {
		if n == name {
			return true
		}
	}
	for n := range s.Fields {
		if strings.HasPrefix(n, name+".") {
			return true
		}
	}
	return false
}

// SplitFieldList splits a comma-separated "fl" value.
func SplitFieldList(fl string) []string {
	var out []string
	for _, f := range strings.Split(fl, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (s Schema) parse(query string) (string, []any, error) {
	tokens, err := tokenize(query)
	if err != nil {
		return "", nil, err
	}

	var groups []string
	var args []any
	var current []string
	expectTerm := true
	negateNext := false
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, strings.Join(current, " AND "))
		} else {
			groups = append(groups, "1")
		}
		current = nil
	}

	for _, tok := range tokens {
		switch tok {
		case "AND", "&&":
			if expectTerm {
				return "", nil, fmt.Errorf("%w: unexpected %s", ErrSearch, tok)
			}
			expectTerm = true
			continue
		case "OR", "||":
			if expectTerm {
				return "", nil, fmt.Errorf("%w: unexpected %s", ErrSearch, tok)
			}
			if negateNext {
				return "", nil, fmt.Errorf("%w: unexpected %s after NOT", ErrSearch, tok)
			}
			flush()
			expectTerm = true
			continue
		case "NOT", "!":
			negateNext = !negateNext
			expectTerm = true
			continue
		}
		clause, a, err := s.term(tok)
		if err != nil {
			return "", nil, err
		}
		if negateNext {
			clause = negate(clause)
			negateNext = false
		}
		expectTerm = false
		if clause == "" {
			continue
		}
		current = append(current, clause)
		args = append(args, a...)
	}
	if expectTerm && len(tokens) > 0 {
		return "", nil, fmt.Errorf("%w: query ends with an operator", ErrSearch)
	}
	if len(groups) == 0 {
		if len(current) == 0 {
			return "", nil, nil
		}
		return strings.Join(current, " AND "), args, nil
	}
	flush()
	return strings.Join(groups, " OR "), args, nil
}

func (s Schema) term(tok string) (string, []any, error) {
	negated := false
	if strings.HasPrefix(tok, "-") || strings.HasPrefix(tok, "!") {
		negated = true
		tok = tok[1:]
	}
	if tok == "" {
		return "", nil, fmt.Errorf("%w: empty term", ErrSearch)
	}

	var clause string
	var args []any
	var err error
	if tok == "*" || tok == "*:*" {
		clause = ""
	} else if name, value, ok := splitField(tok); ok {
		clause, args, err = s.fieldTerm(name, value)
	} else {
		clause, args, err = s.textTerm(unquote(tok))
	}
	if err != nil {
		return "", nil, err
	}
	if negated {
		clause = negate(clause)
	}
	return clause, args, nil
}

// negate inverts a clause; the empty clause matches everything.
func negate(clause string) string {
	if clause == "" {
		return "0"
	}
	return "NOT (" + clause + ")"
}

func (s Schema) textTerm(word string) (string, []any, error) {
	if len(s.Text) == 0 {
		return "", nil, fmt.Errorf("%w: free text search is not supported", ErrSearch)
	}
	pattern := "%" + escapeLike(strings.TrimSuffix(word, "*")) + "%"
	parts := make([]string, len(s.Text))
	args := make([]any, len(s.Text))
	for i, col := range s.Text {
		parts[i] = col + ` LIKE ? ESCAPE '\'`
		args[i] = pattern
	}
	return strings.Join(parts, " OR "), args, nil
}

func (s Schema) fieldTerm(name, value string) (string, []any, error) {
	f, ok := s.Fields[name]
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown field %q", ErrSearch, name)
	}
	if value == "" {
		return "", nil, fmt.Errorf("%w: missing value for %q", ErrSearch, name)
	}
	if value == "*" {
		return f.Column + " IS NOT NULL", nil, nil
	}
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		return rangeTerm(f, value)
	}
	if strings.HasPrefix(value, `"`) {
		v, err := coerce(f, unquote(value))
		if err != nil {
			return "", nil, err
		}
		return f.Column + " = ?", []any{v}, nil
	}
	if f.Kind == KindText && strings.HasSuffix(value, "*") {
		return f.Column + ` LIKE ? ESCAPE '\'`, []any{escapeLike(strings.TrimSuffix(value, "*")) + "%"}, nil
	}
	v, err := coerce(f, value)
	if err != nil {
		return "", nil, err
	}
	if f.Kind == KindText {
		return f.Column + " = ? COLLATE NOCASE", []any{v}, nil
	}
	return f.Column + " = ?", []any{v}, nil
}

// rangeTerm handles [a TO b] (inclusive) and {a TO b} (exclusive).
func rangeTerm(f Field, value string) (string, []any, error) {
	open, closing := value[0], value[len(value)-1]
	want := byte(']')
	if open == '{' {
		want = '}'
	}
	if closing != want {
		return "", nil, fmt.Errorf("%w: unterminated range %q", ErrSearch, value)
	}
	bounds := strings.Fields(value[1 : len(value)-1])
	if len(bounds) != 3 || strings.ToUpper(bounds[1]) != "TO" {
		return "", nil, fmt.Errorf("%w: invalid range %q", ErrSearch, value)
	}
	lower, upper := ">=", "<="
	if open == '{' {
		lower, upper = ">", "<"
	}
	var parts []string
	var args []any
	for _, b := range []struct{ value, op string }{{bounds[0], lower}, {bounds[2], upper}} {
		if b.value == "*" {
			continue
		}
		v, err := coerce(f, b.value)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, f.Column+" "+b.op+" ?")
		args = append(args, v)
	}
	if len(parts) == 0 {
		return f.Column + " IS NOT NULL", nil, nil
	}
	return strings.Join(parts, " AND "), args, nil
}

func coerce(f Field, value string) (any, error) {
	switch f.Kind {
	case KindInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrSearch, value)
		}
		return n, nil
	case KindFloat:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrSearch, value)
		}
		return n, nil
	case KindBool:
		switch strings.ToLower(value) {
		case "true":
			return 1, nil
		case "false":
			return 0, nil
		}
		return nil, fmt.Errorf("%w: %q is not a boolean", ErrSearch, value)
	case KindTime:
		for _, layout := range timeInputLayouts {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC().Format(TimeLayout), nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not a timestamp", ErrSearch, value)
	}
	return value, nil
}

// timeInputLayouts are the timestamp forms accepted in queries. Values without
// a zone are UTC.
var timeInputLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// splitField splits "name:value" at the first colon outside quotes.
func splitField(tok string) (string, string, bool) {
	if strings.HasPrefix(tok, `"`) {
		return "", "", false
	}
	idx := strings.IndexByte(tok, ':')
	if idx <= 0 {
		return "", "", false
	}
	return tok[:idx], tok[idx+1:], true
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	return s
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// tokenize splits on whitespace, keeping quoted strings and ranges whole.
func tokenize(q string) ([]string, error) {
	var tokens []string
	var sb strings.Builder
	inQuote := false
	var inRange byte
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case inQuote:
			sb.WriteByte(c)
			if c == '\\' && i+1 < len(q) {
				i++
				sb.WriteByte(q[i])
			} else if c == '"' {
				inQuote = false
			}
		case inRange != 0:
			sb.WriteByte(c)
			if c == inRange {
				inRange = 0
			}
		case c == '"':
			inQuote = true
			sb.WriteByte(c)
		case c == '[':
			inRange = ']'
			sb.WriteByte(c)
		case c == '{':
			inRange = '}'
			sb.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if sb.Len() > 0 {
				tokens = append(tokens, sb.String())
				sb.Reset()
			}
		default:
			sb.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", ErrSearch)
	}
	if inRange != 0 {
		return nil, fmt.Errorf("%w: unterminated range", ErrSearch)
	}
	if sb.Len() > 0 {
		tokens = append(tokens, sb.String())
	}
	return tokens, nil
}

// TimeLayout is how timestamps are stored, so that text comparison in SQL
// orders them chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"
