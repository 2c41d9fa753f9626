package bot

import (
	"log/slog"
	"sync"
	"time"
)

// EngagementStatus is the lifecycle phase of a channel's conversation.
type EngagementStatus string

const (
	// EngagementInactive means no conversation is in flight.
	EngagementInactive EngagementStatus = "INACTIVE"

	// EngagementActive means the bot is fully engaged and responds to
	// every message.
	EngagementActive EngagementStatus = "ACTIVE"

	// EngagementMonitoring means the conversation has wound down but the
	// bot keeps listening for a revival before going inactive.
	EngagementMonitoring EngagementStatus = "MONITORING"
)

// ConversationState is a snapshot of one channel's engagement.
type ConversationState struct {
	Status         EngagementStatus
	ConversationID string
	LastMessageAt  time.Time
}

type trackedState struct {
	status         EngagementStatus
	conversationID string
	lastMessageAt  time.Time

	// gen invalidates pending monitoring timers: every transition bumps
	// it, and a timer only applies its expiry if its captured generation
	// still matches.
	gen   uint64
	timer *time.Timer
}

// StateTracker tracks per-channel engagement state in memory. All
// transitions happen under one mutex, so a stale monitoring timer can
// never clobber a conversation that was revived after it was scheduled.
type StateTracker struct {
	mu     sync.Mutex
	states map[string]*trackedState

	timeout    time.Duration
	monitoring time.Duration

	// now is replaceable in tests.
	now func() time.Time

	logger *slog.Logger
}

// NewStateTracker creates a tracker with the given conversation timeout
// and monitoring window.
func NewStateTracker(timeout, monitoring time.Duration, logger *slog.Logger) *StateTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateTracker{
		states:     make(map[string]*trackedState),
		timeout:    timeout,
		monitoring: monitoring,
		now:        time.Now,
		logger:     logger.With("component", "state"),
	}
}

// Get returns the channel's current engagement snapshot. Unknown
// channels are inactive.
func (t *StateTracker) Get(channelID string) ConversationState {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[channelID]
	if !ok {
		return ConversationState{Status: EngagementInactive}
	}
	return ConversationState{
		Status:         st.status,
		ConversationID: st.conversationID,
		LastMessageAt:  st.lastMessageAt,
	}
}

// StartConversation marks the channel active on the given conversation.
// Revives monitoring channels and replaces any previous state.
func (t *StateTracker) StartConversation(channelID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.transition(channelID)
	st.status = EngagementActive
	st.conversationID = conversationID
	st.lastMessageAt = t.now()

	t.logger.Debug("conversation started",
		"channel", channelID, "conversation", conversationID)
}

// Touch updates the last-message timestamp for an engaged channel.
// No-op for inactive channels.
func (t *StateTracker) Touch(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[channelID]; ok {
		st.lastMessageAt = t.now()
	}
}

// TimedOut reports whether the channel's conversation has gone silent
// longer than the timeout. Inactive channels are never timed out.
func (t *StateTracker) TimedOut(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[channelID]
	if !ok || st.status == EngagementInactive {
		return false
	}
	return t.now().Sub(st.lastMessageAt) > t.timeout
}

// EndConversation moves an active channel into the monitoring window.
// After the window elapses without a revival the channel goes inactive.
func (t *StateTracker) EndConversation(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[channelID]
	if !ok || st.status != EngagementActive {
		return
	}

	t.cancelTimer(st)
	st.gen++
	st.status = EngagementMonitoring
	st.lastMessageAt = t.now()

	gen := st.gen
	st.timer = time.AfterFunc(t.monitoring, func() {
		t.expireMonitoring(channelID, gen)
	})

	t.logger.Debug("conversation wound down",
		"channel", channelID, "conversation", st.conversationID,
		"monitoring_for", t.monitoring)
}

// Deactivate drops the channel to inactive immediately, cancelling any
// pending monitoring expiry.
func (t *StateTracker) Deactivate(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[channelID]
	if !ok {
		return
	}
	t.cancelTimer(st)
	st.gen++
	delete(t.states, channelID)
}

// expireMonitoring is the timer callback ending a monitoring window. A
// mismatched generation means the channel transitioned again after this
// timer was scheduled, so the expiry is stale and ignored.
func (t *StateTracker) expireMonitoring(channelID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[channelID]
	if !ok || st.gen != gen || st.status != EngagementMonitoring {
		return
	}
	delete(t.states, channelID)

	t.logger.Debug("monitoring window expired", "channel", channelID)
}

// transition returns the channel's state for mutation, bumping the
// generation and cancelling any pending timer. Callers hold the mutex.
func (t *StateTracker) transition(channelID string) *trackedState {
	st, ok := t.states[channelID]
	if !ok {
		st = &trackedState{}
		t.states[channelID] = st
	}
	t.cancelTimer(st)
	st.gen++
	return st
}

func (t *StateTracker) cancelTimer(st *trackedState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}
