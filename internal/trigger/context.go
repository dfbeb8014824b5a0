package trigger

// DiffStats summarises the change under review.
type DiffStats struct {
	Additions    int `json:"additions" yaml:"additions"`
	Deletions    int `json:"deletions" yaml:"deletions"`
	FilesChanged int `json:"filesChanged" yaml:"filesChanged"`
}

// Context is the read-only view conditions are evaluated against. Nil
// collections are treated as absent.
type Context struct {
	RunID    string
	IssueID  string
	Workflow string
	Mode     string
	StepID   string
	Labels   []string
	Files    []string
	Diff     *DiffStats
	Flags    map[string]bool
	Fields   map[string]any
	// Previous holds the outcome of steps already completed in this run.
	Previous map[string]bool
}

// WithStep returns a copy positioned at step.
func (c Context) WithStep(step string) Context {
	c.StepID = step
	return c
}

// WithPrevious returns a copy that records a completed step's outcome.
func (c Context) WithPrevious(step string, success bool) Context {
	prev := make(map[string]bool, len(c.Previous)+1)
	for k, v := range c.Previous {
		prev[k] = v
	}
	prev[step] = success
	c.Previous = prev
	return c
}

func (c Context) activation() map[string]any {
	diff := map[string]int64{}
	if c.Diff != nil {
		diff = map[string]int64{
			MetricAdditions:    int64(c.Diff.Additions),
			MetricDeletions:    int64(c.Diff.Deletions),
			MetricLinesChanged: int64(c.Diff.Additions + c.Diff.Deletions),
			MetricFilesChanged: int64(c.Diff.FilesChanged),
		}
	}
	return map[string]any{
		"run": map[string]string{
			"id":       c.RunID,
			"issue":    c.IssueID,
			"workflow": c.Workflow,
			"mode":     c.Mode,
			"step":     c.StepID,
		},
		"labels":   nonNilStrings(c.Labels),
		"files":    nonNilStrings(c.Files),
		"diff":     diff,
		"flags":    nonNilBools(c.Flags),
		"fields":   nonNilFields(c.Fields),
		"previous": nonNilBools(c.Previous),
	}
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilBools(v map[string]bool) map[string]bool {
	if v == nil {
		return map[string]bool{}
	}
	return v
}

func nonNilFields(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
