package arbiter

import (
	"testing"
	"time"
)

func TestOwnerOrdering(t *testing.T) {
	base := time.Now()
	mk := func(id, ctype, prio string, joinOffset time.Duration) *member {
		return &member{ID: id, Type: ctype, Priority: prio, JoinedAt: base.Add(joinOffset)}
	}

	tests := []struct {
		name    string
		members []*member
		want    string
	}{
		{
			name: "higher priority wins",
			members: []*member{
				mk("m1", TypeMobile, PriorityNormal, 0),
				mk("m2", TypeMobile, PriorityHigh, time.Second),
			},
			want: "m2",
		},
		{
			name: "exclusive beats everything",
			members: []*member{
				mk("pc", TypePC, PriorityHigh, 0),
				mk("m", TypeMobile, PriorityExclusive, time.Second),
			},
			want: "m",
		},
		{
			name: "pc beats mobile at equal priority",
			members: []*member{
				mk("m", TypeMobile, PriorityHigh, 0),
				mk("pc", TypePC, PriorityHigh, time.Second),
			},
			want: "pc",
		},
		{
			name: "earlier join breaks full ties",
			members: []*member{
				mk("late", TypeMobile, PriorityNormal, time.Second),
				mk("early", TypeMobile, PriorityNormal, 0),
			},
			want: "early",
		},
		{
			name: "observers never own",
			members: []*member{
				mk("obs", TypePC, PriorityObserver, 0),
				mk("m", TypeMobile, PriorityLow, time.Second),
			},
			want: "m",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := make(map[string]*member, len(tt.members))
			for _, mem := range tt.members {
				m[mem.ID] = mem
			}
			got := owner(m)
			if got == nil {
				t.Fatal("owner = nil")
			}
			if got.ID != tt.want {
				t.Errorf("owner = %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestOwnerOnlyObservers(t *testing.T) {
	m := map[string]*member{
		"obs": {ID: "obs", Type: TypePC, Priority: PriorityObserver, JoinedAt: time.Now()},
	}
	if got := owner(m); got != nil {
		t.Errorf("owner = %v, want nil", got)
	}
}

func TestDefaultPriority(t *testing.T) {
	if got := DefaultPriority(TypePC); got != PriorityHigh {
		t.Errorf("pc default = %s, want high", got)
	}
	if got := DefaultPriority(TypeMobile); got != PriorityNormal {
		t.Errorf("mobile default = %s, want normal", got)
	}
}
