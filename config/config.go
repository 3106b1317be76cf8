// Package config loads the enumerated tuning knobs from spec §6. The
// load-once-from-embed-then-parse-defensively shape is adapted
// directly from the teacher's items/game.go LoadGameData/GameDataOnce
// pattern: an embedded JSON document is the baseline, parsed exactly
// once, with parse errors collected rather than panicking.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

//go:embed tuning.json
var defaultTuning []byte

// WaitBoost is one entry of the cumulative wait-time fairness schedule
// (spec §4.2): after waiting AfterSeconds continuously, add Add to the
// queue entry's fairness score, once.
type WaitBoost struct {
	AfterSeconds int `json:"after_seconds"`
	Add          int `json:"add"`
}

// Tuning holds every enumerated configuration knob from spec §6.
type Tuning struct {
	VoteWindowSeconds         int         `json:"vote_window_seconds"`
	MatchTickSeconds          int         `json:"match_tick_seconds"`
	ExpiryTickSeconds         int         `json:"expiry_tick_seconds"`
	ExpansionTickSeconds      int         `json:"expansion_tick_seconds"`
	FairnessTickSeconds       int         `json:"fairness_tick_seconds"`
	EvictionTickSeconds       int         `json:"eviction_tick_seconds"`
	RepairTickSeconds         int         `json:"repair_tick_seconds"`
	CooldownTickSeconds       int         `json:"cooldown_tick_seconds"`
	OfflineThresholdSeconds   int         `json:"offline_threshold_seconds"`
	HistoryCooldownSeconds    int         `json:"history_cooldown_seconds"`
	DisconnectCooldownSeconds int         `json:"disconnect_cooldown_seconds"`
	TierThresholdsSeconds     [4]int      `json:"tier_thresholds_seconds"`
	FairnessYesBoost          int         `json:"fairness_yes_boost"`
	WaitBoosts                []WaitBoost `json:"wait_boosts"`
	BatchSize                 int         `json:"batch_size"`
	CommandTimeoutSeconds     int         `json:"command_timeout_seconds"`
}

func (t Tuning) VoteWindow() time.Duration      { return time.Duration(t.VoteWindowSeconds) * time.Second }
func (t Tuning) MatchTick() time.Duration       { return time.Duration(t.MatchTickSeconds) * time.Second }
func (t Tuning) ExpiryTick() time.Duration      { return time.Duration(t.ExpiryTickSeconds) * time.Second }
func (t Tuning) ExpansionTick() time.Duration   { return time.Duration(t.ExpansionTickSeconds) * time.Second }
func (t Tuning) FairnessTick() time.Duration    { return time.Duration(t.FairnessTickSeconds) * time.Second }
func (t Tuning) EvictionTick() time.Duration    { return time.Duration(t.EvictionTickSeconds) * time.Second }
func (t Tuning) RepairTick() time.Duration      { return time.Duration(t.RepairTickSeconds) * time.Second }
func (t Tuning) CooldownTick() time.Duration    { return time.Duration(t.CooldownTickSeconds) * time.Second }
func (t Tuning) OfflineThreshold() time.Duration {
	return time.Duration(t.OfflineThresholdSeconds) * time.Second
}
func (t Tuning) HistoryCooldown() time.Duration {
	return time.Duration(t.HistoryCooldownSeconds) * time.Second
}
func (t Tuning) DisconnectCooldown() time.Duration {
	return time.Duration(t.DisconnectCooldownSeconds) * time.Second
}
func (t Tuning) CommandTimeout() time.Duration {
	return time.Duration(t.CommandTimeoutSeconds) * time.Second
}

// TierThreshold returns the minimum continuous wait duration required
// to search at the given tier (0-3), per spec §4.3's table.
func (t Tuning) TierThreshold(tier int) time.Duration {
	if tier < 0 || tier > 3 {
		tier = 0
	}
	return time.Duration(t.TierThresholdsSeconds[tier]) * time.Second
}

var (
	loaded     Tuning
	loadOnce   sync.Once
	loadErr    error
)

// envOverrideVar lets an operator re-embed tuning without a rebuild, by
// pointing at a JSON document on disk, following the teacher's pattern
// of defensive, best-effort optional overrides layered on top of a
// known-good embedded default.
const envOverrideVar = "MATCHCORE_TUNING_JSON"

// Load parses the embedded tuning document exactly once, optionally
// overridden by the file named in MATCHCORE_TUNING_JSON. Safe to call
// repeatedly and concurrently; only the first call does any work.
func Load() (Tuning, error) {
	loadOnce.Do(func() {
		raw := defaultTuning
		if path := os.Getenv(envOverrideVar); path != "" {
			if b, err := os.ReadFile(path); err == nil {
				raw = b
			}
		}
		var t Tuning
		if err := json.Unmarshal(raw, &t); err != nil {
			loadErr = fmt.Errorf("config: parse tuning: %w", err)
			return
		}
		if err := t.validate(); err != nil {
			loadErr = fmt.Errorf("config: invalid tuning: %w", err)
			return
		}
		loaded = t
	})
	return loaded, loadErr
}

func (t Tuning) validate() error {
	if t.VoteWindowSeconds <= 0 {
		return fmt.Errorf("vote_window_seconds must be positive")
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if len(t.WaitBoosts) == 0 {
		return fmt.Errorf("wait_boosts must not be empty")
	}
	return nil
}

// Default returns the baked-in defaults, ignoring any environment
// override and panicking on a malformed embed (a build-time bug, not a
// runtime condition). Used by tests that want the shipped defaults
// without touching package-level sync.Once state.
func Default() Tuning {
	var t Tuning
	if err := json.Unmarshal(defaultTuning, &t); err != nil {
		panic(fmt.Sprintf("config: embedded tuning.json is invalid: %v", err))
	}
	if err := t.validate(); err != nil {
		panic(fmt.Sprintf("config: embedded tuning.json failed validation: %v", err))
	}
	return t
}
