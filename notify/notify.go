// Package notify publishes matchmaking domain events for the transport
// layer to fan out to clients (spec §4.8, §6). Events are facts, not
// commands (spec §9): the core never waits on a client to observe
// them, and consumers must tolerate at-least-once delivery and
// duplicates (spec §6).
//
// The schema and delivery helpers are adapted from the teacher's
// unified RewardPayload/NotificationSend pattern; CodeMatchmaking
// already existed in the teacher's notification code enum and is kept
// verbatim since it was never actually wired to anything there.
package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
)

// Notification codes matching the client's matchmaking event enum.
const (
	CodeSpun             = 6 // Reuses the teacher's CodeMatchmaking bucket.
	CodeMatchCreated     = 60
	CodeVoteRecorded     = 61
	CodeMatchCompleted   = 62
	CodeUserStateChanged = 63
	CodeEvicted          = 64
)

// Kind names the event topic, matching spec §4.8 / §6 verbatim.
type Kind string

const (
	KindSpun             Kind = "Spun"
	KindMatchCreated     Kind = "MatchCreated"
	KindVoteRecorded     Kind = "VoteRecorded"
	KindMatchCompleted   Kind = "MatchCompleted"
	KindUserStateChanged Kind = "UserStateChanged"
	KindEvicted          Kind = "Evicted"
)

// Event is the unified event envelope delivered to the transport layer.
// Only the Kind-specific payload fields that belong to that Kind are populated.
type Event struct {
	EventID   string `json:"event_id"`
	Kind      Kind   `json:"kind"`
	CreatedAt int64  `json:"created_at"`

	UserIDs []string `json:"user_ids"`
	MatchID string   `json:"match_id,omitempty"`

	QueuePosition       int    `json:"queue_position,omitempty"`
	VoteWindowExpiresAt int64  `json:"vote_window_expires_at,omitempty"`
	VoterID             string `json:"voter_id,omitempty"`
	VoteValue           string `json:"vote_value,omitempty"`
	Outcome             string `json:"outcome,omitempty"`
	State               string `json:"state,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

func newEvent(kind Kind) Event {
	return Event{
		EventID:   generateID(),
		Kind:      kind,
		CreatedAt: time.Now().UnixMilli(),
	}
}

func generateID() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Publisher fans events out through Nakama's notification channel. Each
// Publish call is best-effort: a failed delivery is logged by send and
// never blocks the command/tick that produced the event.
type Publisher struct {
	nk     runtime.NakamaModule
	logger runtime.Logger
}

func NewPublisher(nk runtime.NakamaModule, logger runtime.Logger) *Publisher {
	return &Publisher{nk: nk, logger: logger}
}

func (p *Publisher) send(ctx context.Context, code int, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("notify: marshal event %s: %v", ev.Kind, err)
		return
	}
	var content map[string]interface{}
	if err := json.Unmarshal(payload, &content); err != nil {
		p.logger.Error("notify: unmarshal event %s: %v", ev.Kind, err)
		return
	}
	for _, userID := range ev.UserIDs {
		if err := p.nk.NotificationSend(ctx, userID, string(ev.Kind), content, code, "", true); err != nil {
			p.logger.Warn("notify: deliver %s to %s: %v", ev.Kind, userID, err)
		}
	}
}

func (p *Publisher) Spun(ctx context.Context, userID string, queuePosition int) {
	ev := newEvent(KindSpun)
	ev.UserIDs = []string{userID}
	ev.QueuePosition = queuePosition
	p.send(ctx, CodeSpun, ev)
}

func (p *Publisher) MatchCreated(ctx context.Context, matchID, u1, u2 string, voteWindowExpiresAt time.Time) {
	ev := newEvent(KindMatchCreated)
	ev.UserIDs = []string{u1, u2}
	ev.MatchID = matchID
	ev.VoteWindowExpiresAt = voteWindowExpiresAt.UnixMilli()
	p.send(ctx, CodeMatchCreated, ev)
}

func (p *Publisher) VoteRecorded(ctx context.Context, matchID, voterID, value string, participants []string) {
	ev := newEvent(KindVoteRecorded)
	ev.UserIDs = participants
	ev.MatchID = matchID
	ev.VoterID = voterID
	ev.VoteValue = value
	p.send(ctx, CodeVoteRecorded, ev)
}

func (p *Publisher) MatchCompleted(ctx context.Context, matchID, outcome string, participants []string) {
	ev := newEvent(KindMatchCompleted)
	ev.UserIDs = participants
	ev.MatchID = matchID
	ev.Outcome = outcome
	p.send(ctx, CodeMatchCompleted, ev)
}

func (p *Publisher) UserStateChanged(ctx context.Context, userID, state, matchID string) {
	ev := newEvent(KindUserStateChanged)
	ev.UserIDs = []string{userID}
	ev.State = state
	ev.MatchID = matchID
	p.send(ctx, CodeUserStateChanged, ev)
}

func (p *Publisher) Evicted(ctx context.Context, userID, reason string) {
	ev := newEvent(KindEvicted)
	ev.UserIDs = []string{userID}
	ev.Reason = reason
	p.send(ctx, CodeEvicted, ev)
}
