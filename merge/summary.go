package merge

// Summary tallies a batch of merge results.
type Summary struct {
	Total      int             `json:"total"`
	Clean      int             `json:"clean"`
	Conflicted int             `json:"conflicted"`
	Invalid    int             `json:"invalid"`
	Suppressed int             `json:"suppressed"`
	ByOutcome  map[Outcome]int `json:"by_outcome"`
}

// Add records one result.
func (s *Summary) Add(r Result) {
	if s.ByOutcome == nil {
		s.ByOutcome = make(map[Outcome]int)
	}
	s.Total++
	s.ByOutcome[r.Outcome]++
	switch {
	case !r.OK():
		s.Invalid++
	case r.HasConflict:
		s.Conflicted++
	default:
		s.Clean++
	}
	if len(r.Suppressed) > 0 {
		s.Suppressed++
	}
}

// MergeAll runs ThreeWay over every context in order.
func (e *Engine) MergeAll(contexts []Context) ([]Result, Summary) {
	results := make([]Result, len(contexts))
	var sum Summary
	for i, mc := range contexts {
		results[i] = e.ThreeWay(mc)
		sum.Add(results[i])
	}
	return results, sum
}
