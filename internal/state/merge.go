package state

// MergeMonotonic enforces the cumulative invariant: facts the previous state
// established must survive into the next one. Repro steps from prev must
// appear in next as a subsequence, environment keys once set must stay set,
// and resolved questions are never un-resolved. Violations are repaired by
// re-merging the previous facts rather than rejecting the update.
func MergeMonotonic(prev, next ThreadState) ThreadState {
	merged := next

	if !isSubsequence(prev.ReproSteps, next.ReproSteps) {
		merged.ReproSteps = mergeOrdered(prev.ReproSteps, next.ReproSteps)
	}

	if len(prev.KnownEnvironment) > 0 {
		if merged.KnownEnvironment == nil {
			merged.KnownEnvironment = make(map[string]string, len(prev.KnownEnvironment))
		}
		for key, value := range prev.KnownEnvironment {
			if _, ok := merged.KnownEnvironment[key]; !ok {
				merged.KnownEnvironment[key] = value
			}
		}
	}

	if len(prev.ResolvedQuestions) > 0 {
		merged.ResolvedQuestions = mergeOrdered(prev.ResolvedQuestions, next.ResolvedQuestions)
	}

	return merged
}

// isSubsequence reports whether sub appears in seq in order, not necessarily
// contiguously.
func isSubsequence(sub, seq []string) bool {
	i := 0
	for _, item := range seq {
		if i < len(sub) && item == sub[i] {
			i++
		}
	}
	return i == len(sub)
}

// mergeOrdered keeps every element of base in its original order and appends
// the elements of extra that base does not already contain, preserving their
// relative order.
func mergeOrdered(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	merged := make([]string, 0, len(base)+len(extra))
	for _, item := range base {
		if !seen[item] {
			seen[item] = true
			merged = append(merged, item)
		}
	}
	for _, item := range extra {
		if !seen[item] {
			seen[item] = true
			merged = append(merged, item)
		}
	}
	return merged
}
