package naming

// Aggregate counts occupants per playing activity name. Occupants without an
// activity, or with a non-playing one, are skipped. Names are not validated;
// an empty name is counted under the empty key.
func Aggregate(occupants []Occupant) map[string]int {
	counts := make(map[string]int)
	for _, o := range occupants {
		if o.Activity == nil || o.Activity.Kind != ActivityPlaying {
			continue
		}
		counts[o.Activity.Name]++
	}
	return counts
}
