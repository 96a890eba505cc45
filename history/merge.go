package history

import "sort"

// Merge returns the lines of every view in one list, ordered by time. Lines
// with the same time keep their arrival order.
func Merge(views ...[]Line) []Line {
	n := 0
	for _, v := range views {
		n += len(v)
	}
	merged := make([]Line, 0, n)
	for _, v := range views {
		merged = append(merged, v...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Time.Equal(merged[j].Time) {
			return merged[i].Time.Before(merged[j].Time)
		}
		return merged[i].Seq < merged[j].Seq
	})
	return merged
}
