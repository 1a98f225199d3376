package arbiter

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests drive the arbiter's timers deterministically.
type fakeClock struct {
	mu  sync.Mutex
	t   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupArbiter(t *testing.T) (*Arbiter, *fakeClock, *[]Snapshot) {
	t.Helper()
	clock := newFakeClock()
	var changes []Snapshot
	a := New(DefaultConfig(), func(s Snapshot) { changes = append(changes, s) }, nil)
	a.now = clock.Now
	return a, clock, &changes
}

func TestInitialStateIsDisconnected(t *testing.T) {
	a, _, _ := setupArbiter(t)
	if s := a.State(); s.State != StatePCDisconnected {
		t.Errorf("state = %s, want pc_disconnected", s.State)
	}
}

func TestNoPCEveryoneAccepted(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("m1", TypeMobile, "")
	a.RegisterClient("m2", TypeMobile, "")

	if d := a.SubmitInput("m1", "a"); !d.Accepted {
		t.Errorf("m1 rejected: %s", d.Reason)
	}
	if d := a.SubmitInput("m2", "b"); !d.Accepted {
		t.Errorf("m2 rejected: %s", d.Reason)
	}
}

func TestPCMobileArbitration(t *testing.T) {
	// PC connects, then mobile. PC input accepted, mobile rejected
	// with pc_typing; after the idle threshold the mobile gets in.
	a, clock, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")

	if s := a.State(); s.State != StatePCActive {
		t.Fatalf("state = %s, want pc_active", s.State)
	}

	if d := a.SubmitInput("cpc", "a"); !d.Accepted {
		t.Errorf("pc input rejected: %s", d.Reason)
	}
	if d := a.SubmitInput("cm", "b"); d.Accepted || d.Reason != ReasonPCTyping {
		t.Errorf("mobile decision = %+v, want pc_typing rejection", d)
	}

	clock.Advance(31 * time.Second)
	a.Tick()
	if s := a.State(); s.State != StatePCIdle {
		t.Fatalf("state after idle = %s, want pc_idle", s.State)
	}
	if d := a.SubmitInput("cm", "b"); !d.Accepted {
		t.Errorf("mobile input during pc_idle rejected: %s", d.Reason)
	}
}

func TestIdleThresholdBoundary(t *testing.T) {
	a, clock, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")

	clock.Advance(30*time.Second - time.Millisecond)
	a.Tick()
	if s := a.State(); s.State != StatePCActive {
		t.Errorf("just under threshold: state = %s, want pc_active", s.State)
	}

	clock.Advance(2 * time.Millisecond)
	a.Tick()
	if s := a.State(); s.State != StatePCIdle {
		t.Errorf("just over threshold: state = %s, want pc_idle", s.State)
	}
}

func TestPCActivityWakesFromIdle(t *testing.T) {
	a, clock, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	clock.Advance(31 * time.Second)
	a.Tick()

	if d := a.SubmitInput("cpc", "x"); !d.Accepted {
		t.Fatalf("pc input rejected: %s", d.Reason)
	}
	if s := a.State(); s.State != StatePCActive {
		t.Errorf("state = %s, want pc_active after pc input", s.State)
	}
}

func TestMobileGracePeriod(t *testing.T) {
	// A mobile client typing during pc_idle keeps acceptance for the
	// grace window after the PC wakes, then gets rejected again.
	a, clock, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")

	clock.Advance(31 * time.Second)
	a.Tick()
	if d := a.SubmitInput("cm", "burst"); !d.Accepted {
		t.Fatalf("mobile input during pc_idle rejected: %s", d.Reason)
	}

	clock.Advance(time.Second)
	if d := a.SubmitInput("cpc", "x"); !d.Accepted {
		t.Fatalf("pc input rejected: %s", d.Reason)
	}
	if s := a.State(); s.State != StatePCActive {
		t.Fatalf("state = %s, want pc_active", s.State)
	}

	clock.Advance(2 * time.Second)
	if d := a.SubmitInput("cm", "more"); !d.Accepted {
		t.Errorf("mobile input within grace rejected: %s", d.Reason)
	}

	clock.Advance(4 * time.Second)
	if d := a.SubmitInput("cm", "late"); d.Accepted || d.Reason != ReasonPCTyping {
		t.Errorf("mobile input after grace = %+v, want pc_typing rejection", d)
	}
}

func TestReleaseKeyboardCancelsGrace(t *testing.T) {
	a, clock, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")

	clock.Advance(31 * time.Second)
	a.Tick()
	a.SubmitInput("cm", "burst")
	clock.Advance(time.Second)
	a.SubmitInput("cpc", "x")

	a.ReleaseKeyboard("cm")
	clock.Advance(time.Second)
	if d := a.SubmitInput("cm", "more"); d.Accepted {
		t.Error("mobile input accepted after keyboard release")
	}
}

func TestConflictWindow(t *testing.T) {
	// A mobile input that lands right as a PC wakes the session is
	// not penalized.
	a, clock, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm2", TypeMobile, "")

	clock.Advance(31 * time.Second)
	a.Tick()
	clock.Advance(time.Second)
	a.SubmitInput("cpc", "x")

	clock.Advance(50 * time.Millisecond)
	if d := a.SubmitInput("cm2", "in-flight"); !d.Accepted {
		t.Errorf("near-simultaneous mobile input rejected: %s", d.Reason)
	}

	clock.Advance(200 * time.Millisecond)
	if d := a.SubmitInput("cm2", "late"); d.Accepted {
		t.Error("mobile input outside conflict window accepted")
	}
}

func TestExclusiveControl(t *testing.T) {
	a, clock, changes := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")

	granted, reason, expires := a.RequestExclusiveControl("cm")
	if !granted {
		t.Fatalf("exclusive denied: %s", reason)
	}
	wantExpiry := clock.Now().Add(5 * time.Minute)
	if !expires.Equal(wantExpiry) {
		t.Errorf("expires = %v, want %v", expires, wantExpiry)
	}
	if s := a.State(); s.State != StateMobileExclusive || s.CurrentOwner != "cm" {
		t.Errorf("state = %+v, want mobile_exclusive owned by cm", s)
	}

	if d := a.SubmitInput("cpc", "x"); d.Accepted || d.Reason != ReasonOtherExclusive {
		t.Errorf("pc decision = %+v, want other_exclusive rejection", d)
	}
	if d := a.SubmitInput("cm", "y"); !d.Accepted {
		t.Errorf("owner input rejected: %s", d.Reason)
	}

	// Second request while exclusive is denied.
	if granted, reason, _ := a.RequestExclusiveControl("cm"); granted || reason != ReasonAlreadyExclusive {
		t.Errorf("re-request = %v/%s, want denial", granted, reason)
	}

	// Auto-release on timeout.
	clock.Advance(5*time.Minute + time.Second)
	a.Tick()
	s := a.State()
	if s.State == StateMobileExclusive {
		t.Fatal("exclusive not auto-released")
	}
	if d := a.SubmitInput("cpc", "x"); !d.Accepted {
		t.Errorf("pc input after release rejected: %s", d.Reason)
	}

	// Hub was told about every transition.
	if len(*changes) == 0 {
		t.Error("no state-change notifications emitted")
	}
}

func TestExclusiveDeniedForPC(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")

	if granted, reason, _ := a.RequestExclusiveControl("cpc"); granted || reason != ReasonNotMobile {
		t.Errorf("pc exclusive = %v/%s, want not_mobile denial", granted, reason)
	}
}

func TestExclusiveDeniedForObserver(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("obs", TypeMobile, PriorityObserver)

	if granted, _, _ := a.RequestExclusiveControl("obs"); granted {
		t.Error("observer granted exclusive control")
	}
}

func TestRequestReleaseRestoresState(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")
	before := a.State()

	if granted, _, _ := a.RequestExclusiveControl("cm"); !granted {
		t.Fatal("exclusive denied")
	}
	if !a.ReleaseExclusiveControl("cm") {
		t.Fatal("release refused")
	}

	after := a.State()
	if after.State != before.State {
		t.Errorf("state = %s, want %s restored", after.State, before.State)
	}
	if after.CurrentOwner != before.CurrentOwner {
		t.Errorf("owner = %s, want %s restored", after.CurrentOwner, before.CurrentOwner)
	}
}

func TestReleaseByNonOwnerRefused(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("cm", TypeMobile, "")
	a.RegisterClient("cm2", TypeMobile, "")
	a.RequestExclusiveControl("cm")

	if a.ReleaseExclusiveControl("cm2") {
		t.Error("non-owner release succeeded")
	}
	if s := a.State(); s.State != StateMobileExclusive {
		t.Error("exclusive dropped by non-owner release")
	}
}

func TestDisconnectReleasesExclusive(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")
	a.RequestExclusiveControl("cm")

	a.UnregisterClient("cm")
	if s := a.State(); s.State == StateMobileExclusive {
		t.Error("exclusive survived owner disconnect")
	}
	if d := a.SubmitInput("cpc", "x"); !d.Accepted {
		t.Errorf("pc input rejected after owner left: %s", d.Reason)
	}
}

func TestPCDisconnectRecomputesPresence(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")
	if s := a.State(); s.State != StatePCActive {
		t.Fatalf("state = %s", s.State)
	}

	a.UnregisterClient("cpc")
	if s := a.State(); s.State != StatePCDisconnected {
		t.Errorf("state = %s, want pc_disconnected", s.State)
	}
	if d := a.SubmitInput("cm", "x"); !d.Accepted {
		t.Errorf("mobile input rejected with no pc: %s", d.Reason)
	}
}

func TestObserverNeverSubmits(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("obs", TypeMobile, PriorityObserver)

	if d := a.SubmitInput("obs", "x"); d.Accepted || d.Reason != ReasonObserver {
		t.Errorf("observer decision = %+v, want observer rejection", d)
	}
}

func TestRateLimit(t *testing.T) {
	a, clock, _ := setupArbiter(t)
	a.RegisterClient("cm", TypeMobile, "")

	big := make([]byte, 90)
	if d := a.SubmitInput("cm", string(big)); !d.Accepted {
		t.Fatalf("first input rejected: %s", d.Reason)
	}
	// 90 + 20 > 100: over the cap within the same second.
	if d := a.SubmitInput("cm", string(make([]byte, 20))); d.Accepted || d.Reason != ReasonRateLimited {
		t.Errorf("decision = %+v, want rate_limited", d)
	}
	// Rejected bytes do not count; a small input still fits.
	if d := a.SubmitInput("cm", "ok"); !d.Accepted {
		t.Errorf("small input rejected: %s", d.Reason)
	}

	// Window resets after a second.
	clock.Advance(1100 * time.Millisecond)
	if d := a.SubmitInput("cm", string(big)); !d.Accepted {
		t.Errorf("input after window reset rejected: %s", d.Reason)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("m1", TypeMobile, "")
	a.RegisterClient("m2", TypeMobile, "")

	a.SubmitInput("m1", string(make([]byte, 100)))
	if d := a.SubmitInput("m2", "x"); !d.Accepted {
		t.Errorf("m2 throttled by m1's window: %s", d.Reason)
	}
}

func TestCompletedSessionRejectsInput(t *testing.T) {
	a, _, _ := setupArbiter(t)
	a.RegisterClient("cm", TypeMobile, "")
	a.MarkCompleted()

	if d := a.SubmitInput("cm", "x"); d.Accepted || d.Reason != ReasonSessionCompleted {
		t.Errorf("decision = %+v, want session_completed rejection", d)
	}
}

func TestUnknownClientRejected(t *testing.T) {
	a, _, _ := setupArbiter(t)
	if d := a.SubmitInput("ghost", "x"); d.Accepted || d.Reason != ReasonUnknownClient {
		t.Errorf("decision = %+v, want unknown_client rejection", d)
	}
}

func TestAuditCallbackSeesEveryDecision(t *testing.T) {
	type entry struct {
		client   string
		accepted bool
		reason   string
	}
	var entries []entry
	a := New(DefaultConfig(), nil, func(clientID, input string, accepted bool, reason string) {
		entries = append(entries, entry{clientID, accepted, reason})
	})
	clock := newFakeClock()
	a.now = clock.Now

	a.RegisterClient("cpc", TypePC, "")
	a.RegisterClient("cm", TypeMobile, "")
	a.SubmitInput("cpc", "a")
	a.SubmitInput("cm", "b")

	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if !entries[0].accepted || entries[0].client != "cpc" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].accepted || entries[1].reason != ReasonPCTyping {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}
