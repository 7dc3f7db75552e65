package layer

import "sort"

// DefaultCompactionThreshold is the stored-token total above which a
// campaign's layers are compacted.
const DefaultCompactionThreshold = 8000

// keepPercent is the share of layers retained by a compaction pass.
const keepPercent = 70

// keepCount is ceil(n*70%), never below one layer or the permanent count.
func keepCount(n, permanent int) int {
	keep := (n*keepPercent + 99) / 100
	return max(keep, permanent, 1)
}

// TotalTokens sums TokenEstimate over layers.
func TotalTokens(layers []Layer) int {
	total := 0
	for _, l := range layers {
		total += l.TokenEstimate
	}
	return total
}

// compact keeps the most important 70% of layers, rounded up, once their
// stored tokens exceed threshold. A lone oversized layer is kept. Permanent layers are always kept. Both returned slices
// are in insertion order.
func compact(layers []Layer, threshold int) (kept, pruned []Layer) {
	if threshold <= 0 || TotalTokens(layers) <= threshold {
		return layers, nil
	}

	permanent := 0
	for _, l := range layers {
		if l.Permanent {
			permanent++
		}
	}
	keep := keepCount(len(layers), permanent)
	if keep >= len(layers) {
		return layers, nil
	}

	order := make([]int, len(layers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		la, lb := layers[order[a]], layers[order[b]]
		if la.Permanent != lb.Permanent {
			return la.Permanent
		}
		if la.Importance != lb.Importance {
			return la.Importance > lb.Importance
		}
		return la.Seq < lb.Seq
	})

	retain := make([]bool, len(layers))
	for _, idx := range order[:keep] {
		retain[idx] = true
	}
	kept = make([]Layer, 0, keep)
	pruned = make([]Layer, 0, len(layers)-keep)
	for i, l := range layers {
		if retain[i] {
			kept = append(kept, l)
		} else {
			pruned = append(pruned, l)
		}
	}
	return kept, pruned
}

// appendMemory adds e to entries and drops the oldest beyond MemoryCap.
func appendMemory(entries []MemoryEntry, e MemoryEntry) []MemoryEntry {
	entries = append(entries, e)
	if over := len(entries) - MemoryCap; over > 0 {
		entries = append([]MemoryEntry(nil), entries[over:]...)
	}
	return entries
}
