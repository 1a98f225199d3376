package arbiter

import (
	"sync"
	"time"
)

// Control states.
const (
	StatePCDisconnected  = "pc_disconnected"
	StatePCActive        = "pc_active"
	StatePCIdle          = "pc_idle"
	StateMobileExclusive = "mobile_exclusive"
)

// Reject reasons carried back to the submitting client.
const (
	ReasonPCTyping         = "pc_typing"
	ReasonOtherExclusive   = "other_exclusive"
	ReasonRateLimited      = "rate_limited"
	ReasonObserver         = "observer"
	ReasonSessionCompleted = "session_completed"
	ReasonNotMobile        = "not_mobile"
	ReasonAlreadyExclusive = "already_exclusive"
	ReasonUnknownClient    = "unknown_client"
)

// Config holds the arbitration timings.
type Config struct {
	PCIdleThreshold   time.Duration
	MobileGracePeriod time.Duration
	ExclusiveTimeout  time.Duration
	ConflictWindow    time.Duration
	InputRateLimitCps int
}

// DefaultConfig mirrors the daemon defaults.
func DefaultConfig() Config {
	return Config{
		PCIdleThreshold:   30 * time.Second,
		MobileGracePeriod: 5 * time.Second,
		ExclusiveTimeout:  5 * time.Minute,
		ConflictWindow:    100 * time.Millisecond,
		InputRateLimitCps: 100,
	}
}

// Decision is the outcome of one input submission. Rejections are
// reason codes, never errors.
type Decision struct {
	Accepted bool
	Reason   string
}

// Snapshot is the externally visible control state.
type Snapshot struct {
	State            string
	CurrentOwner     string
	ExclusiveExpires time.Time
	LastPCActivity   time.Time
}

// StateChangeFunc is invoked after every control-state transition.
type StateChangeFunc func(Snapshot)

// AuditFunc records every input decision.
type AuditFunc func(clientID, input string, accepted bool, reason string)

type clientState struct {
	member
	lastActivity time.Time

	// tumbling rate window
	windowStart time.Time
	windowBytes int
}

// Arbiter decides which attached client's input reaches the terminal.
// One arbiter per session; all methods are serialized by a mutex so
// timer-driven and event-driven transitions are atomic.
type Arbiter struct {
	cfg      Config
	onChange StateChangeFunc
	audit    AuditFunc

	mu      sync.Mutex
	clients map[string]*clientState
	state   string
	stateAt time.Time // when state last changed
	prev    string    // state before the last change

	exclusiveOwner   string
	exclusiveExpires time.Time

	graceClient string
	graceUntil  time.Time

	lastPCActivity   time.Time
	lastMobileInput  map[string]time.Time // accepted mobile inputs, for grace eligibility
	completed        bool

	// pending state-change notifications, emitted outside the lock
	pending []Snapshot

	now func() time.Time
}

// New creates an arbiter in the pc_disconnected state.
func New(cfg Config, onChange StateChangeFunc, audit AuditFunc) *Arbiter {
	if cfg.InputRateLimitCps <= 0 {
		cfg.InputRateLimitCps = DefaultConfig().InputRateLimitCps
	}
	return &Arbiter{
		cfg:             cfg,
		onChange:        onChange,
		audit:           audit,
		clients:         make(map[string]*clientState),
		state:           StatePCDisconnected,
		lastMobileInput: make(map[string]time.Time),
		now:             time.Now,
	}
}

// RegisterClient adds a client to the arbitration domain.
func (a *Arbiter) RegisterClient(clientID, clientType, priority string) {
	defer a.emit()
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if priority == "" {
		priority = DefaultPriority(clientType)
	}
	a.clients[clientID] = &clientState{
		member:       member{ID: clientID, Type: clientType, Priority: priority, JoinedAt: now},
		lastActivity: now,
	}
	if clientType == TypePC {
		a.lastPCActivity = now
	}
	a.recompute(now)
}

// UnregisterClient removes a client; exclusive control held by it is
// released.
func (a *Arbiter) UnregisterClient(clientID string) {
	defer a.emit()
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.clients, clientID)
	delete(a.lastMobileInput, clientID)
	if a.exclusiveOwner == clientID {
		a.exclusiveOwner = ""
		a.exclusiveExpires = time.Time{}
	}
	if a.graceClient == clientID {
		a.graceClient = ""
	}
	a.recompute(a.now())
}

// MarkCompleted makes the arbiter reject all further input.
func (a *Arbiter) MarkCompleted() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completed = true
}

// SubmitInput decides whether input from clientID is forwarded to the
// terminal. Every submission updates the client's activity clock and
// is reported to the audit callback.
func (a *Arbiter) SubmitInput(clientID, input string) Decision {
	a.mu.Lock()
	now := a.now()
	a.expireTimersLocked(now)
	d := a.decide(clientID, input, now)
	a.mu.Unlock()

	a.emit()
	if a.audit != nil {
		a.audit(clientID, input, d.Accepted, d.Reason)
	}
	return d
}

func (a *Arbiter) decide(clientID, input string, now time.Time) Decision {
	c, ok := a.clients[clientID]
	if !ok {
		return Decision{Reason: ReasonUnknownClient}
	}
	c.lastActivity = now

	if a.completed {
		return Decision{Reason: ReasonSessionCompleted}
	}
	if c.Priority == PriorityObserver {
		return Decision{Reason: ReasonObserver}
	}

	// Tumbling one-second byte window.
	if now.Sub(c.windowStart) > time.Second {
		c.windowStart = now
		c.windowBytes = 0
	}
	if c.windowBytes+len(input) > a.cfg.InputRateLimitCps {
		return Decision{Reason: ReasonRateLimited}
	}

	if c.Type == TypePC {
		a.lastPCActivity = now
		if a.state == StateMobileExclusive {
			return Decision{Reason: ReasonOtherExclusive}
		}
		// PC typing wakes the session from idle and starts the grace
		// window for a mobile client caught mid-burst.
		if a.state == StatePCIdle {
			a.beginGrace(now)
			a.setState(StatePCActive, now)
		}
		c.windowBytes += len(input)
		return Decision{Accepted: true}
	}

	// Mobile path.
	switch a.state {
	case StateMobileExclusive:
		if clientID != a.exclusiveOwner {
			return Decision{Reason: ReasonOtherExclusive}
		}
	case StatePCActive:
		inGrace := a.graceClient == clientID && now.Before(a.graceUntil)
		// A mobile input already in flight when a PC woke the session
		// is not penalized.
		justWoke := a.prev == StatePCIdle && now.Sub(a.stateAt) < a.cfg.ConflictWindow
		if !inGrace && !justWoke {
			return Decision{Reason: ReasonPCTyping}
		}
	}

	c.windowBytes += len(input)
	a.lastMobileInput[clientID] = now
	return Decision{Accepted: true}
}

// RequestExclusiveControl grants time-bounded exclusive control to a
// mobile client. Returns the expiry on success and a reason code on
// denial.
func (a *Arbiter) RequestExclusiveControl(clientID string) (granted bool, reason string, expires time.Time) {
	defer a.emit()
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.expireTimersLocked(now)

	c, ok := a.clients[clientID]
	if !ok {
		return false, ReasonUnknownClient, time.Time{}
	}
	if c.Type != TypeMobile || c.Priority == PriorityObserver {
		return false, ReasonNotMobile, time.Time{}
	}
	if a.state == StateMobileExclusive {
		return false, ReasonAlreadyExclusive, time.Time{}
	}

	c.Priority = PriorityExclusive
	a.exclusiveOwner = clientID
	a.exclusiveExpires = now.Add(a.cfg.ExclusiveTimeout)
	a.setState(StateMobileExclusive, now)
	return true, "", a.exclusiveExpires
}

// ReleaseExclusiveControl drops exclusive control if clientID holds it.
func (a *Arbiter) ReleaseExclusiveControl(clientID string) bool {
	defer a.emit()
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exclusiveOwner != clientID {
		return false
	}
	a.releaseExclusiveLocked(a.now())
	return true
}

// ReleaseKeyboard cancels the grace window for clientID, signalling
// the end of its input burst.
func (a *Arbiter) ReleaseKeyboard(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.graceClient == clientID {
		a.graceClient = ""
		a.graceUntil = time.Time{}
	}
}

// Tick drives time-based transitions: exclusive expiry, grace expiry
// and the PC-idle threshold. The hub calls it periodically.
func (a *Arbiter) Tick() {
	defer a.emit()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireTimersLocked(a.now())
}

// State returns the current control-state snapshot.
func (a *Arbiter) State() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Arbiter) snapshotLocked() Snapshot {
	s := Snapshot{
		State:          a.state,
		LastPCActivity: a.lastPCActivity,
	}
	if a.state == StateMobileExclusive {
		s.CurrentOwner = a.exclusiveOwner
		s.ExclusiveExpires = a.exclusiveExpires
	} else if m := a.ownerLocked(); m != nil {
		s.CurrentOwner = m.ID
	}
	return s
}

func (a *Arbiter) ownerLocked() *member {
	members := make(map[string]*member, len(a.clients))
	for id, c := range a.clients {
		members[id] = &c.member
	}
	return owner(members)
}

// expireTimersLocked fires any elapsed timers. Caller holds a.mu.
func (a *Arbiter) expireTimersLocked(now time.Time) {
	if a.state == StateMobileExclusive && !now.Before(a.exclusiveExpires) {
		a.releaseExclusiveLocked(now)
	}
	if a.graceClient != "" && !now.Before(a.graceUntil) {
		a.graceClient = ""
		a.graceUntil = time.Time{}
	}
	if a.state == StatePCActive && a.allPCsIdle(now) {
		a.setState(StatePCIdle, now)
	}
}

func (a *Arbiter) releaseExclusiveLocked(now time.Time) {
	if c, ok := a.clients[a.exclusiveOwner]; ok {
		c.Priority = PriorityNormal
	}
	a.exclusiveOwner = ""
	a.exclusiveExpires = time.Time{}
	a.recompute(now)
}

// recompute derives the presence-based state. Never called while
// exclusive control is held.
func (a *Arbiter) recompute(now time.Time) {
	if a.state == StateMobileExclusive && a.exclusiveOwner != "" {
		return
	}
	next := StatePCDisconnected
	if a.hasPC() {
		if a.allPCsIdle(now) {
			next = StatePCIdle
		} else {
			next = StatePCActive
		}
	}
	a.setState(next, now)
}

func (a *Arbiter) hasPC() bool {
	for _, c := range a.clients {
		if c.Type == TypePC {
			return true
		}
	}
	return false
}

func (a *Arbiter) allPCsIdle(now time.Time) bool {
	any := false
	for _, c := range a.clients {
		if c.Type != TypePC {
			continue
		}
		any = true
		if now.Sub(c.lastActivity) < a.cfg.PCIdleThreshold {
			return false
		}
	}
	return any
}

// beginGrace grants the grace window to the mobile client with the
// most recent accepted input, if any. Caller holds a.mu.
func (a *Arbiter) beginGrace(now time.Time) {
	var best string
	var bestAt time.Time
	for id, at := range a.lastMobileInput {
		if _, live := a.clients[id]; !live {
			continue
		}
		if at.After(bestAt) {
			best, bestAt = id, at
		}
	}
	if best != "" {
		a.graceClient = best
		a.graceUntil = now.Add(a.cfg.MobileGracePeriod)
	}
}

// setState records a transition and queues a notification. Caller
// holds a.mu; the notification is delivered by emit after unlock.
func (a *Arbiter) setState(next string, now time.Time) {
	if next == a.state {
		return
	}
	a.prev = a.state
	a.state = next
	a.stateAt = now
	a.pending = append(a.pending, a.snapshotLocked())
}

// emit delivers queued state-change notifications. Called without a.mu
// so the callback may call back into the arbiter.
func (a *Arbiter) emit() {
	a.mu.Lock()
	notes := a.pending
	a.pending = nil
	a.mu.Unlock()

	if a.onChange == nil {
		return
	}
	for _, s := range notes {
		a.onChange(s)
	}
}
