package trigger

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Condition is a tagged variant: exactly one field is set per node.
type Condition struct {
	And        []Condition      `json:"and,omitempty" yaml:"and,omitempty"`
	Or         []Condition      `json:"or,omitempty" yaml:"or,omitempty"`
	Not        *Condition       `json:"not,omitempty" yaml:"not,omitempty"`
	Labels     *LabelsPredicate `json:"labels,omitempty" yaml:"labels,omitempty"`
	Files      *FilesPredicate  `json:"files,omitempty" yaml:"files,omitempty"`
	Size       *SizePredicate   `json:"size,omitempty" yaml:"size,omitempty"`
	Flag       *FlagPredicate   `json:"flag,omitempty" yaml:"flag,omitempty"`
	Expression string           `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// LabelsPredicate matches issue labels. Includes requires every listed label,
// Any requires at least one, Excludes forbids all of them.
type LabelsPredicate struct {
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Any      []string `json:"any,omitempty" yaml:"any,omitempty"`
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`
}

// FilesPredicate matches changed file paths against doublestar globs.
type FilesPredicate struct {
	Patterns []string `json:"patterns" yaml:"patterns"`

	// Match is "any" (default: some file matches) or "all" (every file matches).
	Match string `json:"match,omitempty" yaml:"match,omitempty"`
}

// SizePredicate compares a diff metric with a number.
type SizePredicate struct {
	Metric string  `json:"metric" yaml:"metric"`
	Op     string  `json:"op" yaml:"op"`
	Value  float64 `json:"value" yaml:"value"`
}

// FlagPredicate tests a boolean flag. Equals defaults to true.
type FlagPredicate struct {
	Name   string `json:"name" yaml:"name"`
	Equals *bool  `json:"equals,omitempty" yaml:"equals,omitempty"`
}

const (
	MetricAdditions    = "additions"
	MetricDeletions    = "deletions"
	MetricLinesChanged = "lines_changed"
	MetricFilesChanged = "files_changed"
)

var opAliases = map[string]string{
	"<": "<", "lt": "<",
	"<=": "<=", "lte": "<=",
	">": ">", "gt": ">",
	">=": ">=", "gte": ">=",
	"==": "==", "eq": "==",
	"!=": "!=", "ne": "!=",
}

func (c Condition) variants() int {
	n := 0
	if c.And != nil {
		n++
	}
	if c.Or != nil {
		n++
	}
	if c.Not != nil {
		n++
	}
	if c.Labels != nil {
		n++
	}
	if c.Files != nil {
		n++
	}
	if c.Size != nil {
		n++
	}
	if c.Flag != nil {
		n++
	}
	if strings.TrimSpace(c.Expression) != "" {
		n++
	}
	return n
}

// Validate checks the tree shape. Expressions are compiled separately by
// Expressions.Check.
func (c Condition) Validate() error {
	return c.validate("condition")
}

func (c Condition) validate(path string) error {
	switch n := c.variants(); {
	case n == 0:
		return fmt.Errorf("trigger: %s: empty condition", path)
	case n > 1:
		return fmt.Errorf("trigger: %s: exactly one of and/or/not/labels/files/size/flag/expression is allowed, got %d", path, n)
	}
	switch {
	case c.And != nil:
		if len(c.And) == 0 {
			return fmt.Errorf("trigger: %s.and: at least one operand is required", path)
		}
		for i, sub := range c.And {
			if err := sub.validate(fmt.Sprintf("%s.and[%d]", path, i)); err != nil {
				return err
			}
		}
	case c.Or != nil:
		if len(c.Or) == 0 {
			return fmt.Errorf("trigger: %s.or: at least one operand is required", path)
		}
		for i, sub := range c.Or {
			if err := sub.validate(fmt.Sprintf("%s.or[%d]", path, i)); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return c.Not.validate(path + ".not")
	case c.Labels != nil:
		if len(c.Labels.Includes)+len(c.Labels.Any)+len(c.Labels.Excludes) == 0 {
			return fmt.Errorf("trigger: %s.labels: includes, any or excludes is required", path)
		}
	case c.Files != nil:
		if len(c.Files.Patterns) == 0 {
			return fmt.Errorf("trigger: %s.files: patterns are required", path)
		}
		for _, p := range c.Files.Patterns {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("trigger: %s.files: invalid pattern %q", path, p)
			}
		}
		switch c.Files.Match {
		case "", "any", "all":
		default:
			return fmt.Errorf("trigger: %s.files: match must be any or all", path)
		}
	case c.Size != nil:
		switch c.Size.Metric {
		case MetricAdditions, MetricDeletions, MetricLinesChanged, MetricFilesChanged:
		default:
			return fmt.Errorf("trigger: %s.size: unknown metric %q", path, c.Size.Metric)
		}
		if _, ok := opAliases[c.Size.Op]; !ok {
			return fmt.Errorf("trigger: %s.size: unknown operator %q", path, c.Size.Op)
		}
	case c.Flag != nil:
		if strings.TrimSpace(c.Flag.Name) == "" {
			return fmt.Errorf("trigger: %s.flag: name is required", path)
		}
	}
	return nil
}

// Expressions returns every expression in the tree, depth first.
func (c Condition) Expressions() []string {
	var out []string
	var walk func(Condition)
	walk = func(n Condition) {
		if expr := strings.TrimSpace(n.Expression); expr != "" {
			out = append(out, expr)
		}
		for _, sub := range n.And {
			walk(sub)
		}
		for _, sub := range n.Or {
			walk(sub)
		}
		if n.Not != nil {
			walk(*n.Not)
		}
	}
	walk(c)
	return out
}

// Clone deep-copies the tree.
func (c Condition) Clone() Condition {
	out := Condition{Expression: c.Expression}
	if c.And != nil {
		out.And = make([]Condition, len(c.And))
		for i, sub := range c.And {
			out.And[i] = sub.Clone()
		}
	}
	if c.Or != nil {
		out.Or = make([]Condition, len(c.Or))
		for i, sub := range c.Or {
			out.Or[i] = sub.Clone()
		}
	}
	if c.Not != nil {
		not := c.Not.Clone()
		out.Not = &not
	}
	if c.Labels != nil {
		out.Labels = &LabelsPredicate{
			Includes: cloneStrings(c.Labels.Includes),
			Any:      cloneStrings(c.Labels.Any),
			Excludes: cloneStrings(c.Labels.Excludes),
		}
	}
	if c.Files != nil {
		out.Files = &FilesPredicate{Patterns: cloneStrings(c.Files.Patterns), Match: c.Files.Match}
	}
	if c.Size != nil {
		size := *c.Size
		out.Size = &size
	}
	if c.Flag != nil {
		flag := FlagPredicate{Name: c.Flag.Name}
		if c.Flag.Equals != nil {
			v := *c.Flag.Equals
			flag.Equals = &v
		}
		out.Flag = &flag
	}
	return out
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}

// eval treats nil labels as absent, which never match.
func (p LabelsPredicate) eval(labels []string) bool {
	if labels == nil {
		return false
	}
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	for _, want := range p.Includes {
		if _, ok := set[want]; !ok {
			return false
		}
	}
	if len(p.Any) > 0 {
		found := false
		for _, want := range p.Any {
			if _, ok := set[want]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, banned := range p.Excludes {
		if _, ok := set[banned]; ok {
			return false
		}
	}
	return true
}

func (p FilesPredicate) eval(files []string) bool {
	if len(files) == 0 {
		return false
	}
	matchOne := func(file string) bool {
		for _, pattern := range p.Patterns {
			if ok, _ := doublestar.Match(pattern, file); ok {
				return true
			}
		}
		return false
	}
	if p.Match == "all" {
		for _, f := range files {
			if !matchOne(f) {
				return false
			}
		}
		return true
	}
	for _, f := range files {
		if matchOne(f) {
			return true
		}
	}
	return false
}

func (p SizePredicate) eval(diff *DiffStats) bool {
	if diff == nil {
		return false
	}
	var actual float64
	switch p.Metric {
	case MetricAdditions:
		actual = float64(diff.Additions)
	case MetricDeletions:
		actual = float64(diff.Deletions)
	case MetricLinesChanged:
		actual = float64(diff.Additions + diff.Deletions)
	case MetricFilesChanged:
		actual = float64(diff.FilesChanged)
	default:
		return false
	}
	switch opAliases[p.Op] {
	case "<":
		return actual < p.Value
	case "<=":
		return actual <= p.Value
	case ">":
		return actual > p.Value
	case ">=":
		return actual >= p.Value
	case "==":
		return actual == p.Value
	case "!=":
		return actual != p.Value
	}
	return false
}

func (p FlagPredicate) eval(flags map[string]bool) bool {
	value, ok := flags[p.Name]
	if !ok {
		return false
	}
	want := true
	if p.Equals != nil {
		want = *p.Equals
	}
	return value == want
}
