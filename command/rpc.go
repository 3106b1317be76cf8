package command

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/heroiclabs/nakama-common/runtime"

	matcherrors "spin.casa/matchcore/errors"
	"spin.casa/matchcore/internal/obslog"
	"spin.casa/matchcore/store"
)

// RPCs wraps a Service with the Nakama RPC function signature every
// RegisterRpc call expects: (ctx, logger, db, nk, payload string) (string, error).
type RPCs struct {
	svc *Service
}

func NewRPCs(svc *Service) *RPCs { return &RPCs{svc: svc} }

type spinResponse struct {
	State         string `json:"state"`
	QueuePosition int    `json:"queue_position"`
}

// Spin registers as the "mm_spin" RPC.
func (h *RPCs) Spin(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	userID, err := obslog.GetUserID(ctx, logger)
	if err != nil {
		return "", err
	}

	result, err := h.svc.Spin(ctx, userID, h.svc.Clock.Now())
	if err != nil {
		obslog.Error(ctx, logger, "spin failed", err)
		return "", err
	}

	resp, err := json.Marshal(spinResponse{State: string(result.State), QueuePosition: result.QueuePosition})
	if err != nil {
		obslog.Error(ctx, logger, "spin: marshal response", err)
		return "", matcherrors.ErrMarshal
	}
	return string(resp), nil
}

// Heartbeat registers as the "mm_heartbeat" RPC.
func (h *RPCs) Heartbeat(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	userID, err := obslog.GetUserID(ctx, logger)
	if err != nil {
		return "", err
	}
	if err := h.svc.Heartbeat(ctx, userID, h.svc.Clock.Now()); err != nil {
		obslog.Error(ctx, logger, "heartbeat failed", err)
		return "", err
	}
	return `{"ok":true}`, nil
}

type acknowledgeRequest struct {
	MatchID string `json:"match_id"`
}

type acknowledgeResponse struct {
	VoteWindowExpiresAt int64 `json:"vote_window_expires_at"`
}

// Acknowledge registers as the "mm_acknowledge" RPC.
func (h *RPCs) Acknowledge(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	userID, err := obslog.GetUserID(ctx, logger)
	if err != nil {
		return "", err
	}
	var req acknowledgeRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		obslog.Error(ctx, logger, "acknowledge: unmarshal request", err)
		return "", matcherrors.ErrInvalidInput
	}

	expiresAt, err := h.svc.Acknowledge(ctx, req.MatchID, userID)
	if err != nil {
		obslog.Error(ctx, logger, "acknowledge failed", err)
		return "", err
	}

	resp, err := json.Marshal(acknowledgeResponse{VoteWindowExpiresAt: expiresAt.UnixMilli()})
	if err != nil {
		obslog.Error(ctx, logger, "acknowledge: marshal response", err)
		return "", matcherrors.ErrMarshal
	}
	return string(resp), nil
}

type voteRequest struct {
	MatchID string `json:"match_id"`
	Value   string `json:"value"`
}

type voteResponse struct {
	Waiting bool   `json:"waiting"`
	Outcome string `json:"outcome,omitempty"`
}

const voteCacheCollection = "mm_vote_cache"

func voteCacheKey(matchID, userID string, value store.VoteValue) string {
	return matchID + "_" + userID + "_" + string(value)
}

// Vote registers as the "mm_vote" RPC. A terminal (non-waiting) result
// is cached per (match_id, user_id, value), the teacher's
// match_results_cache idempotency key extended with the vote value: a
// client retrying an identical vote after the match has already
// completed gets back the original outcome instead of NotInVoteWindow.
// A second vote for a different value misses the cache, hits the live
// path and is rejected normally.
func (h *RPCs) Vote(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	userID, err := obslog.GetUserID(ctx, logger)
	if err != nil {
		return "", err
	}
	var req voteRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		obslog.Error(ctx, logger, "vote: unmarshal request", err)
		return "", matcherrors.ErrInvalidInput
	}

	cacheKey := voteCacheKey(req.MatchID, userID, store.VoteValue(req.Value))
	if cached, err := nk.StorageRead(ctx, []*runtime.StorageRead{{
		Collection: voteCacheCollection, Key: cacheKey, UserID: userID,
	}}); err == nil && len(cached) > 0 {
		return cached[0].Value, nil
	}

	result, err := h.svc.Vote(ctx, req.MatchID, userID, store.VoteValue(req.Value), h.svc.Clock.Now())
	if err != nil {
		obslog.Error(ctx, logger, "vote failed", err)
		return "", err
	}

	resp, err := json.Marshal(voteResponse{Waiting: result.Waiting, Outcome: string(result.Outcome)})
	if err != nil {
		obslog.Error(ctx, logger, "vote: marshal response", err)
		return "", matcherrors.ErrMarshal
	}

	if !result.Waiting {
		if _, err := nk.StorageWrite(ctx, []*runtime.StorageWrite{{
			Collection: voteCacheCollection, Key: cacheKey, UserID: userID, Value: string(resp),
		}}); err != nil {
			obslog.Warn(ctx, logger, "vote: cache write failed")
		}
	}
	return string(resp), nil
}

// Disconnect registers as the "mm_disconnect" RPC.
func (h *RPCs) Disconnect(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	userID, err := obslog.GetUserID(ctx, logger)
	if err != nil {
		return "", err
	}
	if err := h.svc.Disconnect(ctx, userID, h.svc.Clock.Now()); err != nil {
		obslog.Error(ctx, logger, "disconnect failed", err)
		return "", err
	}
	return `{"ok":true}`, nil
}

type matchStatusResponse struct {
	State string       `json:"state"`
	Match *store.Match `json:"match,omitempty"`
}

// GetMatchStatus registers as the "mm_get_match_status" RPC.
func (h *RPCs) GetMatchStatus(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	userID, err := obslog.GetUserID(ctx, logger)
	if err != nil {
		return "", err
	}
	result, err := h.svc.GetMatchStatus(ctx, userID)
	if err != nil {
		obslog.Error(ctx, logger, "get match status failed", err)
		return "", err
	}
	resp, err := json.Marshal(matchStatusResponse{State: string(result.State), Match: result.Match})
	if err != nil {
		obslog.Error(ctx, logger, "get match status: marshal response", err)
		return "", matcherrors.ErrMarshal
	}
	return string(resp), nil
}

type dateEndedRequest struct {
	MatchID string `json:"match_id"`
}

// DateEnded registers as the "mm_date_ended" RPC — the external
// video-conferencing layer's hook back into the core once a video
// date concludes (spec §4.1: "video_date -> idle | external signal
// 'date ended'"). Unlike the other commands here it is not called by
// the dating user directly, so it does not require an authenticated
// caller in ctx.
func (h *RPCs) DateEnded(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	var req dateEndedRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		obslog.Error(ctx, logger, "date ended: unmarshal request", err)
		return "", matcherrors.ErrInvalidInput
	}
	if err := h.svc.DateEnded(ctx, req.MatchID, h.svc.Clock.Now()); err != nil {
		obslog.Error(ctx, logger, "date ended failed", err)
		return "", err
	}
	return `{"ok":true}`, nil
}

type queueSnapshotResponse struct {
	Total   int         `json:"total"`
	ByStage map[int]int `json:"by_stage"`
}

// GetQueueSnapshot registers as the "mm_admin_queue_snapshot" RPC
// (SPEC_FULL.md supplemented feature: advisory-only admin read).
func (h *RPCs) GetQueueSnapshot(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	snap, err := h.svc.GetQueueSnapshot(ctx)
	if err != nil {
		obslog.Error(ctx, logger, "queue snapshot failed", err)
		return "", err
	}
	resp, err := json.Marshal(queueSnapshotResponse{Total: snap.Total, ByStage: snap.ByStage})
	if err != nil {
		obslog.Error(ctx, logger, "queue snapshot: marshal response", err)
		return "", matcherrors.ErrMarshal
	}
	return string(resp), nil
}
