package imapengine

import (
	"slices"
	"strconv"
	"strings"
)

// InvalidSet is returned for sequence sets with characters other than
// digits, ':', ',' and '*'.
const InvalidSet = "INVALID"

// CompressSequenceSet collapses a comma separated list of message numbers
// into ranges: "1,2,3,5,6,8" becomes "1:3,5:6,8". Sets that already
// contain ranges or '*', and the empty set, are returned unchanged.
func CompressSequenceSet(set string) string {
	if set == "" {
		return ""
	}
	if strings.ContainsFunc(set, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != ':' && r != ',' && r != '*'
	}) {
		return InvalidSet
	}
	if strings.ContainsAny(set, ":*") {
		return set
	}

	parts := strings.Split(set, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return InvalidSet
		}
		ids = append(ids, uint32(n))
	}
	if len(ids) == 0 {
		return InvalidSet
	}
	return CompressIDs(ids)
}

// CompressIDs sorts ids numerically and renders contiguous runs as ranges.
func CompressIDs(ids []uint32) string {
	if len(ids) == 0 {
		return ""
	}

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(start), 10))
		if prev != start {
			b.WriteByte(':')
			b.WriteString(strconv.FormatUint(uint64(prev), 10))
		}
	}

	for _, id := range sorted[1:] {
		if id == prev+1 {
			prev = id
			continue
		}
		flush()
		start, prev = id, id
	}
	flush()

	return b.String()
}

// UncompressSequenceSet expands ranges into individual message numbers.
// '*' cannot be expanded and makes the set invalid.
func UncompressSequenceSet(set string) ([]uint32, bool) {
	if CompressSequenceSet(set) == InvalidSet || strings.Contains(set, "*") {
		return nil, false
	}

	var ids []uint32
	for _, part := range strings.Split(set, ",") {
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, ":")
		from, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, false
		}
		to := from
		if isRange {
			if to, err = strconv.ParseUint(hi, 10, 32); err != nil {
				return nil, false
			}
		}
		if from > to {
			from, to = to, from
		}
		for n := from; n <= to; n++ {
			ids = append(ids, uint32(n))
		}
	}
	return ids, true
}
