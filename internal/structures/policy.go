package structures

import "github.com/mohammed-shakir/geofilter/internal/hotness"

type Reason string

const (
	ReasonLarge    Reason = "estimate_above_min_rows"
	ReasonHot      Reason = "hot_collection"
	ReasonSmall    Reason = "small_and_cold"
	ReasonDisabled Reason = "backend_without_structures"
)

// Policy decides whether a structure pays for its setup cost. Large
// collections always do; smaller ones only when they are queried often
// enough that the structure is likely to be reused.
type Policy struct {
	MinRows      int64
	HotThreshold float64
	Hot          hotness.Interface
}

func (p Policy) Worth(collection string, estimate int64) (bool, Reason) {
	if estimate >= p.MinRows {
		return true, ReasonLarge
	}
	if p.Hot != nil && p.HotThreshold > 0 && p.Hot.Score(collection) >= p.HotThreshold {
		return true, ReasonHot
	}
	return false, ReasonSmall
}
