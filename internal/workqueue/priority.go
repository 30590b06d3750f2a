package workqueue

import "sort"

// sortByPriorityThenOfferedAt orders items by descending priority,
// breaking ties by ascending offered_at (earlier-offered first). The
// comparator mirrors a max-heap's Less: higher priority first, then
// earlier queued time. Unlike a live heap this only orders an
// already-fetched, already-immutable snapshot for a work_list preview
// response; the broker remains the sole source of truth for actual
// delivery order under Claim.
func sortByPriorityThenOfferedAt(items []WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].OfferedAt.Before(items[j].OfferedAt)
	})
}
