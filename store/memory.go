package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store double for tests. It implements the
// exact same session-scoped, reentrant advisory-lock contract the
// Postgres implementation provides, so tests of the pairing protocol's
// deadlock-freedom (spec §8 P7) exercise the real locking contract
// rather than a weaker stand-in.
type Memory struct {
	mu sync.Mutex

	users      map[string]User
	userState  map[string]UserState
	queue      map[string]QueueEntry
	matches    map[string]Match
	votes      map[string]map[string]Vote // matchID -> userID -> Vote
	pairHist   map[string]PairHistory     // "lo|hi" -> history
	neverPair  map[string]bool            // "lo|hi" -> true
	events     []TransitionEvent

	locks *memoryLockRegistry
}

// NewMemory returns an empty Memory store. Tests populate it directly
// via the exported seed* helpers or by driving it through WithTx.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]User),
		userState: make(map[string]UserState),
		queue:     make(map[string]QueueEntry),
		matches:   make(map[string]Match),
		votes:     make(map[string]map[string]Vote),
		pairHist:  make(map[string]PairHistory),
		neverPair: make(map[string]bool),
		locks:     newMemoryLockRegistry(),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The whole store is single-mutex-guarded for the duration of a
	// "transaction" — sufficient for a test double, since real isolation
	// semantics are Postgres's job, not this package's.
	tx := &memoryTx{m: m}
	return fn(ctx, tx)
}

func (m *Memory) NewLockSession(ctx context.Context) (LockSession, error) {
	return &memoryLockSession{registry: m.locks, held: make(map[string]int)}, nil
}

// SeedUser installs a user profile row directly, bypassing WithTx, for
// test setup convenience.
func (m *Memory) SeedUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func pairKey(lo, hi string) string { return lo + "|" + hi }

// --- reentrant advisory lock registry -----------------------------------

type memoryLockRegistry struct {
	mu      sync.Mutex
	holders map[string]*memoryLockSession
}

func newMemoryLockRegistry() *memoryLockRegistry {
	return &memoryLockRegistry{holders: make(map[string]*memoryLockSession)}
}

type memoryLockSession struct {
	registry *memoryLockRegistry
	held     map[string]int
}

func (s *memoryLockSession) TryLock(ctx context.Context, key string) (bool, error) {
	if s.held[key] > 0 {
		s.held[key]++
		return true, nil
	}
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	if owner, ok := s.registry.holders[key]; ok && owner != s {
		return false, nil
	}
	s.registry.holders[key] = s
	s.held[key] = 1
	return true, nil
}

func (s *memoryLockSession) Unlock(ctx context.Context, key string) error {
	n, ok := s.held[key]
	if !ok || n <= 0 {
		return nil
	}
	n--
	if n > 0 {
		s.held[key] = n
		return nil
	}
	delete(s.held, key)
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	if s.registry.holders[key] == s {
		delete(s.registry.holders, key)
	}
	return nil
}

func (s *memoryLockSession) Close() error {
	s.registry.mu.Lock()
	defer s.registry.mu.Unlock()
	for key, owner := range s.registry.holders {
		if owner == s {
			delete(s.registry.holders, key)
		}
	}
	s.held = make(map[string]int)
	return nil
}

// --- Tx implementation ---------------------------------------------------

type memoryTx struct {
	m *Memory
}

func (t *memoryTx) GetUser(ctx context.Context, userID string) (*User, error) {
	u, ok := t.m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := u
	return &cp, nil
}

func (t *memoryTx) UpdateUserLiveness(ctx context.Context, userID string, online bool, lastActive time.Time) error {
	u, ok := t.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Online = online
	u.LastActive = lastActive
	t.m.users[userID] = u
	return nil
}

func (t *memoryTx) SetCooldownUntil(ctx context.Context, userID string, until *time.Time) error {
	u, ok := t.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.CooldownUntil = until
	t.m.users[userID] = u
	return nil
}

func (t *memoryTx) GetUserState(ctx context.Context, userID string) (*UserState, error) {
	s, ok := t.m.userState[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (t *memoryTx) GetUserStateForUpdate(ctx context.Context, userID string) (*UserState, error) {
	return t.GetUserState(ctx, userID)
}

func (t *memoryTx) PutUserState(ctx context.Context, s *UserState) error {
	t.m.userState[s.UserID] = *s
	return nil
}

func (t *memoryTx) InsertQueueEntry(ctx context.Context, e *QueueEntry) error {
	if _, exists := t.m.queue[e.UserID]; exists {
		return ErrConflict
	}
	t.m.queue[e.UserID] = *e
	return nil
}

func (t *memoryTx) GetQueueEntry(ctx context.Context, userID string) (*QueueEntry, error) {
	e, ok := t.m.queue[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := e
	return &cp, nil
}

func (t *memoryTx) UpdateQueueEntry(ctx context.Context, e *QueueEntry) error {
	if _, ok := t.m.queue[e.UserID]; !ok {
		return ErrNotFound
	}
	t.m.queue[e.UserID] = *e
	return nil
}

func (t *memoryTx) DeleteQueueEntry(ctx context.Context, userID string) error {
	delete(t.m.queue, userID)
	return nil
}

func (t *memoryTx) ListWaitingQueue(ctx context.Context, limit int) ([]QueueEntry, error) {
	out := make([]QueueEntry, 0, len(t.m.queue))
	for _, e := range t.m.queue {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fairness != out[j].Fairness {
			return out[i].Fairness > out[j].Fairness
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memoryTx) ListStaleQueueEntries(ctx context.Context, lastActiveBefore time.Time, limit int) ([]QueueEntry, error) {
	var out []QueueEntry
	for uid, e := range t.m.queue {
		u, ok := t.m.users[uid]
		if !ok || !u.Online || u.LastActive.Before(lastActiveBefore) {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memoryTx) InsertMatch(ctx context.Context, m *Match) error {
	for _, existing := range t.m.matches {
		if existing.UserLoID == m.UserLoID && existing.UserHiID == m.UserHiID && existing.Status != MatchCompleted {
			return ErrConflict
		}
	}
	t.m.matches[m.ID] = *m
	return nil
}

func (t *memoryTx) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	m, ok := t.m.matches[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := m
	return &cp, nil
}

func (t *memoryTx) GetMatchForUpdate(ctx context.Context, matchID string) (*Match, error) {
	return t.GetMatch(ctx, matchID)
}

func (t *memoryTx) UpdateMatch(ctx context.Context, m *Match) error {
	if _, ok := t.m.matches[m.ID]; !ok {
		return ErrNotFound
	}
	t.m.matches[m.ID] = *m
	return nil
}

func (t *memoryTx) GetActiveMatchForUser(ctx context.Context, userID string) (*Match, error) {
	for _, m := range t.m.matches {
		if m.Has(userID) && m.Status != MatchCompleted {
			cp := m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memoryTx) ListExpiredVoteActive(ctx context.Context, now time.Time, limit int) ([]Match, error) {
	var out []Match
	for _, m := range t.m.matches {
		if m.Status == MatchVoteActive && m.VoteWindowExpiresAt != nil && m.VoteWindowExpiresAt.Before(now) {
			out = append(out, m)
		}
	}
	return limitMatches(out, limit), nil
}

func (t *memoryTx) ListStalePaired(ctx context.Context, olderThan time.Time, limit int) ([]Match, error) {
	var out []Match
	for _, m := range t.m.matches {
		if m.Status == MatchPaired && m.CreatedAt.Before(olderThan) {
			out = append(out, m)
		}
	}
	return limitMatches(out, limit), nil
}

func (t *memoryTx) ListOverdueVoteActive(ctx context.Context, deadline time.Time, limit int) ([]Match, error) {
	var out []Match
	for _, m := range t.m.matches {
		if m.Status == MatchVoteActive && m.VoteWindowExpiresAt != nil && m.VoteWindowExpiresAt.Before(deadline) {
			out = append(out, m)
		}
	}
	return limitMatches(out, limit), nil
}

func limitMatches(in []Match, limit int) []Match {
	sort.Slice(in, func(i, j int) bool { return in[i].CreatedAt.Before(in[j].CreatedAt) })
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (t *memoryTx) UpsertVote(ctx context.Context, v *Vote) error {
	byUser, ok := t.m.votes[v.MatchID]
	if !ok {
		byUser = make(map[string]Vote)
		t.m.votes[v.MatchID] = byUser
	}
	byUser[v.UserID] = *v
	return nil
}

func (t *memoryTx) GetVotes(ctx context.Context, matchID string) ([]Vote, error) {
	byUser := t.m.votes[matchID]
	out := make([]Vote, 0, len(byUser))
	for _, v := range byUser {
		out = append(out, v)
	}
	return out, nil
}

func (t *memoryTx) InsertPairHistory(ctx context.Context, lo, hi string, at time.Time) error {
	t.m.pairHist[pairKey(lo, hi)] = PairHistory{UserLoID: lo, UserHiID: hi, LastMatchedAt: at}
	return nil
}

func (t *memoryTx) GetPairHistory(ctx context.Context, lo, hi string) (*PairHistory, error) {
	h, ok := t.m.pairHist[pairKey(lo, hi)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := h
	return &cp, nil
}

func (t *memoryTx) InsertNeverPair(ctx context.Context, lo, hi string) error {
	t.m.neverPair[pairKey(lo, hi)] = true
	return nil
}

func (t *memoryTx) IsNeverPair(ctx context.Context, lo, hi string) (bool, error) {
	return t.m.neverPair[pairKey(lo, hi)], nil
}

func (t *memoryTx) FindCandidates(ctx context.Context, q CandidateQuery) ([]QueueEntry, error) {
	ageTolerance := 0
	distanceMultiplier := 1.0
	anyGender, anyAge, anyDistance := false, false, false
	suppressHistory := q.Tier == 0
	switch q.Tier {
	case 1:
		ageTolerance = 5
	case 2:
		ageTolerance = 10
		distanceMultiplier = 2.0
	case 3:
		anyGender, anyAge, anyDistance = true, true, true
	}

	var out []QueueEntry
	for uid, e := range t.m.queue {
		if uid == q.RequesterID {
			continue
		}
		u, ok := t.m.users[uid]
		if !ok || !u.Online {
			continue
		}
		if u.LastActive.Before(q.Now.Add(-q.OfflineGrace)) {
			continue
		}
		s, ok := t.m.userState[uid]
		if !ok || s.State != StateWaiting {
			continue
		}
		lo, hi := Canon(q.RequesterID, uid)
		if t.m.neverPair[pairKey(lo, hi)] {
			continue
		}
		if suppressHistory {
			if h, ok := t.m.pairHist[pairKey(lo, hi)]; ok && h.LastMatchedAt.After(q.Now.Add(-q.HistoryCooldown)) {
				continue
			}
		}
		if !anyGender && u.Preferences.GenderPref != "other" && u.Preferences.GenderPref != q.RequesterGender {
			continue
		}
		if !anyGender && q.Preferences.GenderPref != "other" && q.Preferences.GenderPref != u.Gender {
			continue
		}
		if !anyAge && (u.Age < q.Preferences.MinAge-ageTolerance || u.Age > q.Preferences.MaxAge+ageTolerance) {
			continue
		}
		if !anyDistance {
			maxDist := q.Preferences.MaxDistanceKm * distanceMultiplier
			dist := u.DistanceAnchor - q.DistanceAnchor
			if dist < 0 {
				dist = -dist
			}
			if dist > maxDist {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fairness != out[j].Fairness {
			return out[i].Fairness > out[j].Fairness
		}
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (t *memoryTx) AppendEvent(ctx context.Context, e TransitionEvent) error {
	t.m.events = append(t.m.events, e)
	return nil
}

func (t *memoryTx) ListCooldownExpired(ctx context.Context, now time.Time, limit int) ([]UserState, error) {
	var out []UserState
	for uid, s := range t.m.userState {
		if s.State != StateCooldown {
			continue
		}
		u, ok := t.m.users[uid]
		if !ok || u.CooldownUntil == nil || !u.CooldownUntil.Before(now) {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memoryTx) QueueDepth(ctx context.Context) (int, map[int]int, error) {
	byStage := make(map[int]int)
	for _, e := range t.m.queue {
		byStage[e.PreferenceStage]++
	}
	return len(t.m.queue), byStage, nil
}
