package arbiter

import (
	"sort"
	"time"
)

// Client priorities, strongest first. Observers never own input.
const (
	PriorityExclusive = "exclusive"
	PriorityHigh      = "high"
	PriorityNormal    = "normal"
	PriorityLow       = "low"
	PriorityObserver  = "observer"
)

// Client types.
const (
	TypePC     = "pc"
	TypeMobile = "mobile"
)

var priorityRank = map[string]int{
	PriorityExclusive: 0,
	PriorityHigh:      1,
	PriorityNormal:    2,
	PriorityLow:       3,
}

// DefaultPriority returns the starting priority for a client type.
func DefaultPriority(clientType string) string {
	if clientType == TypePC {
		return PriorityHigh
	}
	return PriorityNormal
}

type member struct {
	ID       string
	Type     string
	Priority string
	JoinedAt time.Time
}

// rankedBefore orders a before b: stronger priority first, then PC
// before mobile, then earlier join.
func rankedBefore(a, b *member) bool {
	ra, rb := priorityRank[a.Priority], priorityRank[b.Priority]
	if ra != rb {
		return ra < rb
	}
	if a.Type != b.Type {
		return a.Type == TypePC
	}
	return a.JoinedAt.Before(b.JoinedAt)
}

// owner returns the highest-ranked non-observer member, or nil.
func owner(members map[string]*member) *member {
	eligible := make([]*member, 0, len(members))
	for _, m := range members {
		if m.Priority == PriorityObserver {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool { return rankedBefore(eligible[i], eligible[j]) })
	return eligible[0]
}
