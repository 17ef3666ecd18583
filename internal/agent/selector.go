package agent

// SelectBestAgent returns the first candidate whose role expertise matches
// the description, falling back to the first candidate. It returns nil for
// an empty candidate list.
func SelectBestAgent(candidates []*Agent, description string) *Agent {
	if len(candidates) == 0 {
		return nil
	}
	for _, a := range candidates {
		if a.Role.Matches(description) {
			return a
		}
	}
	return candidates[0]
}
