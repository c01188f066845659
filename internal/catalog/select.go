package catalog

// SelectEligible is the pure eligibility projection: unpurchased items priced
// at or below budget. ClaimUnpurchased folds this predicate into its atomic
// transition; this read-only form exists so tests can validate claim results
// against an independent reference.
func SelectEligible(items []Item, budget float64) []Item {
	var out []Item
	for _, it := range items {
		if it.State == StateUnpurchased && it.Price <= budget {
			out = append(out, it)
		}
	}
	return out
}
