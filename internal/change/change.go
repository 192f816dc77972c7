package change

import (
	"fmt"
	"sort"

	"gridingest/internal/record"
)

// Outcome is the classification of a candidate record.
type Outcome int

const (
	New Outcome = iota
	Unchanged
	Changed
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Diff lists field names by how they differ from the last persisted record.
// Removed fields are informational; a record is never Changed by omission.
type Diff struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// UnchangedPolicy decides what happens to a record classified Unchanged.
type UnchangedPolicy string

const (
	Skip  UnchangedPolicy = "skip"
	Touch UnchangedPolicy = "touch"
)

func ParseUnchangedPolicy(s string) (UnchangedPolicy, error) {
	switch UnchangedPolicy(s) {
	case "", Skip:
		return Skip, nil
	case Touch:
		return Touch, nil
	}
	return "", fmt.Errorf("unknown unchanged policy %q", s)
}

// Detector compares candidates against persisted state.
type Detector struct {
	// Tolerance is the absolute numeric tolerance; zero means exact.
	Tolerance float64
	// Ignore names fields excluded from comparison, such as bookkeeping columns.
	Ignore []string
}

// Classify returns New when last is nil. Otherwise it is Unchanged iff all
// shared fields are equal and the candidate adds no fields.
func (d Detector) Classify(candidate record.AggregatedRecord, last *record.AggregatedRecord) (Outcome, Diff) {
	if last == nil {
		return New, Diff{Added: candidate.FieldNames()}
	}
	ignore := make(map[string]bool, len(d.Ignore))
	for _, name := range d.Ignore {
		ignore[name] = true
	}
	var diff Diff
	for name, v := range candidate.Fields {
		if ignore[name] {
			continue
		}
		prev, ok := last.Fields[name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, name)
		case !v.Equal(prev, d.Tolerance):
			diff.Modified = append(diff.Modified, name)
		}
	}
	for name := range last.Fields {
		if ignore[name] {
			continue
		}
		if _, ok := candidate.Fields[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Modified)
	if len(diff.Added) == 0 && len(diff.Modified) == 0 {
		return Unchanged, diff
	}
	return Changed, diff
}
