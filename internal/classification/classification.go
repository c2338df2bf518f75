// Package classification compares access-control labels. A label is a level
// name, optionally followed by "//" and a "/"-separated list of markings, e.g.
// "TLP:AMBER//LEGAL/FINANCE".
package classification

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidLabel is returned when a label names an unknown level or marking.
var ErrInvalidLabel = errors.New("invalid classification")

// Level is one rung of the ordered lattice. Later levels are more restrictive.
type Level struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
}

// Definition is the classification scheme as written in the policy file.
type Definition struct {
	Levels   []Level  `yaml:"levels"`
	Markings []string `yaml:"markings"`
}

// DefaultDefinition is the traffic light protocol, used when the policy file
// does not define its own scheme.
var DefaultDefinition = Definition{
	Levels: []Level{
		{Name: "TLP:CLEAR", Aliases: []string{"TLP:WHITE", "TLP:C", "TLP:W"}},
		{Name: "TLP:GREEN", Aliases: []string{"TLP:G"}},
		{Name: "TLP:AMBER", Aliases: []string{"TLP:A"}},
		{Name: "TLP:RED", Aliases: []string{"TLP:R"}},
	},
}

// Engine answers access questions for one Definition. It is safe for
// concurrent use once built.
type Engine struct {
	names    []string
	rank     map[string]int
	markings map[string]string
}

// New validates def and builds an Engine from it.
func New(def Definition) (*Engine, error) {
	if len(def.Levels) == 0 {
		return nil, errors.New("classification: at least one level is required")
	}
	e := &Engine{
		rank:     make(map[string]int),
		markings: make(map[string]string),
	}
	for i, lvl := range def.Levels {
		name := strings.TrimSpace(lvl.Name)
		if name == "" {
			return nil, fmt.Errorf("classification: level %d has no name", i)
		}
		e.names = append(e.names, name)
		for _, key := range append([]string{name}, lvl.Aliases...) {
			key = strings.ToUpper(strings.TrimSpace(key))
			if _, dup := e.rank[key]; dup {
				return nil, fmt.Errorf("classification: duplicate level name %q", key)
			}
			e.rank[key] = i
		}
	}
	for _, m := range def.Markings {
		m = strings.TrimSpace(m)
		if m == "" || strings.Contains(m, "/") {
			return nil, fmt.Errorf("classification: invalid marking %q", m)
		}
		e.markings[strings.ToUpper(m)] = m
	}
	return e, nil
}

// Normalize returns the canonical spelling of label.
func (e *Engine) Normalize(label string) (string, error) {
	rank, marks, err := e.parse(label)
	if err != nil {
		return "", err
	}
	if len(marks) == 0 {
		return e.names[rank], nil
	}
	return e.names[rank] + "//" + strings.Join(marks, "/"), nil
}

// IsAccessible reports whether a subject cleared at subject may see an object
// labelled object. Labels that do not parse are never accessible.
func (e *Engine) IsAccessible(subject, object string) bool {
	sRank, sMarks, err := e.parse(subject)
	if err != nil {
		return false
	}
	oRank, oMarks, err := e.parse(object)
	if err != nil {
		return false
	}
	if sRank < oRank {
		return false
	}
	for _, m := range oMarks {
		if !slices.Contains(sMarks, m) {
			return false
		}
	}
	return true
}

// Lowest returns the least restrictive level name.
func (e *Engine) Lowest() string {
	return e.names[0]
}

func (e *Engine) parse(label string) (int, []string, error) {
	level, rest, hasMarks := strings.Cut(strings.TrimSpace(label), "//")
	rank, ok := e.rank[strings.ToUpper(strings.TrimSpace(level))]
	if !ok {
		return 0, nil, fmt.Errorf("%w: unknown level %q", ErrInvalidLabel, level)
	}
	if !hasMarks {
		return rank, nil, nil
	}
	var marks []string
	for _, m := range strings.Split(rest, "/") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		canonical, ok := e.markings[strings.ToUpper(m)]
		if !ok {
			return 0, nil, fmt.Errorf("%w: unknown marking %q", ErrInvalidLabel, m)
		}
		marks = append(marks, canonical)
	}
	slices.Sort(marks)
	return rank, slices.Compact(marks), nil
}
