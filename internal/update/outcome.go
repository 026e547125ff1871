package update

import "slices"

// Outcome is the classification of one container in one cycle.
type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is the tagged per-container outcome produced by the reconciliation
// loop. Err is set only for OutcomeFailed.
type Result struct {
	Name    string
	Outcome Outcome
	Reason  string
	Err     error
}

// Updated builds a successful result.
func Updated(name, reason string) Result {
	return Result{Name: name, Outcome: OutcomeUpdated, Reason: reason}
}

// Skipped builds a no-action result.
func Skipped(name, reason string) Result {
	return Result{Name: name, Outcome: OutcomeSkipped, Reason: reason}
}

// Failed builds a failed result carrying err.
func Failed(name string, err error) Result {
	return Result{Name: name, Outcome: OutcomeFailed, Reason: Classify(err), Err: err}
}

// Summary is the aggregated outcome of a cycle: three disjoint lists of
// container names.
type Summary struct {
	Updated []string `json:"updated"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
}

// Add appends r to its bucket. A name already present in any bucket is
// ignored so a container is counted at most once per cycle.
func (s *Summary) Add(r Result) bool {
	if s.Contains(r.Name) {
		return false
	}
	switch r.Outcome {
	case OutcomeUpdated:
		s.Updated = append(s.Updated, r.Name)
	case OutcomeSkipped:
		s.Skipped = append(s.Skipped, r.Name)
	case OutcomeFailed:
		s.Failed = append(s.Failed, r.Name)
	default:
		return false
	}
	return true
}

// Contains reports whether name is in any bucket.
func (s *Summary) Contains(name string) bool {
	return slices.Contains(s.Updated, name) || slices.Contains(s.Skipped, name) || slices.Contains(s.Failed, name)
}

// Total is the number of containers classified.
func (s *Summary) Total() int {
	return len(s.Updated) + len(s.Skipped) + len(s.Failed)
}
