package domain

// PrefetchPriority orders partial fetches for upcoming feed items. Higher
// tiers request a larger initial byte range.
type PrefetchPriority int

const (
	PrefetchLow    PrefetchPriority = 0
	PrefetchMedium PrefetchPriority = 1
	PrefetchHigh   PrefetchPriority = 2
)

func (p PrefetchPriority) String() string {
	switch p {
	case PrefetchHigh:
		return "high"
	case PrefetchMedium:
		return "medium"
	default:
		return "low"
	}
}
