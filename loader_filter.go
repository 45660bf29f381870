package relaycache

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Window is the {since, until} range a timeline wants loaded. A nil bound is
// unbounded on that side.
type Window struct {
	Since *nostr.Timestamp
	Until *nostr.Timestamp
}

// String renders the window for logs.
func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", boundString(w.Since, "-∞"), boundString(w.Until, "+∞"))
}

func boundString(ts *nostr.Timestamp, unbounded string) string {
	if ts == nil {
		return unbounded
	}
	return fmt.Sprintf("%d", *ts)
}

// At returns a pointer to ts, for filling Window and Filter bounds.
func At(ts nostr.Timestamp) *nostr.Timestamp {
	return &ts
}

// MergeFilters combines a caller's base filter with a bound produced by the
// loader. Time bounds and limit intersect (latest since, earliest until,
// smallest non-zero limit); ids, kinds, authors and tag values are unioned.
func MergeFilters(base, bound nostr.Filter) nostr.Filter {
	merged := nostr.Filter{
		IDs:     unionStrings(base.IDs, bound.IDs),
		Kinds:   unionInts(base.Kinds, bound.Kinds),
		Authors: unionStrings(base.Authors, bound.Authors),
		Search:  base.Search,
		Since:   laterOf(base.Since, bound.Since),
		Until:   earlierOf(base.Until, bound.Until),
		Limit:   smallerLimit(base.Limit, bound.Limit),
	}
	if bound.Search != "" {
		merged.Search = bound.Search
	}
	if len(base.Tags) > 0 || len(bound.Tags) > 0 {
		merged.Tags = make(nostr.TagMap, len(base.Tags)+len(bound.Tags))
		for k, v := range base.Tags {
			merged.Tags[k] = unionStrings(nil, v)
		}
		for k, v := range bound.Tags {
			merged.Tags[k] = unionStrings(merged.Tags[k], v)
		}
	}
	return merged
}

func laterOf(a, b *nostr.Timestamp) *nostr.Timestamp {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return At(*b)
	case b == nil || *a >= *b:
		return At(*a)
	default:
		return At(*b)
	}
}

func earlierOf(a, b *nostr.Timestamp) *nostr.Timestamp {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return At(*b)
	case b == nil || *a <= *b:
		return At(*a)
	default:
		return At(*b)
	}
}

func smallerLimit(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0 || a <= b:
		return a
	default:
		return b
	}
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func unionInts(a, b []int) []int {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, list := range [][]int{a, b} {
		for _, v := range list {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
