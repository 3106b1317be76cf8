package store

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"
)

// Postgres is the production Store, backed by the *sql.DB Nakama hands
// to InitModule. It never imports a driver package itself — Nakama's
// host process registers one before our plugin ever runs, the same way
// the teacher repo always accepted db *sql.DB without touching it.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an already-open *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return nil } // lifecycle owned by Nakama, not by us.

func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	tx := &pgTx{tx: sqlTx}
	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// NewLockSession opens a dedicated connection and pins it for the
// lifetime of the session, so pg_advisory_lock's session-scoped
// reentrancy is available to nested callers (spec §4.4's two-lock
// protocol nested under the scheduler's own per-user lock).
func (p *Postgres) NewLockSession(ctx context.Context) (LockSession, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &pgLockSession{conn: conn, held: make(map[string]int)}, nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

type pgLockSession struct {
	conn *sql.Conn
	held map[string]int
}

func (s *pgLockSession) TryLock(ctx context.Context, key string) (bool, error) {
	if s.held[key] > 0 {
		// Reentrant: this session already holds it.
		s.held[key]++
		return true, nil
	}
	var ok bool
	row := s.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryKey(key))
	if err := row.Scan(&ok); err != nil {
		return false, err
	}
	if ok {
		s.held[key] = 1
	}
	return ok, nil
}

func (s *pgLockSession) Unlock(ctx context.Context, key string) error {
	n, held := s.held[key]
	if !held || n <= 0 {
		return nil
	}
	n--
	if n > 0 {
		s.held[key] = n
		return nil
	}
	delete(s.held, key)
	_, err := s.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryKey(key))
	return err
}

func (s *pgLockSession) Close() error {
	for key, n := range s.held {
		for i := 0; i < n; i++ {
			_, _ = s.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryKey(key))
		}
		delete(s.held, key)
	}
	return s.conn.Close()
}

// --- Tx implementation -------------------------------------------------

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetUser(ctx context.Context, userID string) (*User, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, age, gender, online, last_active, cooldown_until,
		       min_age, max_age, max_distance_km, gender_pref, distance_anchor
		FROM mm_users WHERE id = $1`, userID)
	var u User
	var cooldown sql.NullTime
	if err := row.Scan(&u.ID, &u.Age, &u.Gender, &u.Online, &u.LastActive, &cooldown,
		&u.Preferences.MinAge, &u.Preferences.MaxAge, &u.Preferences.MaxDistanceKm,
		&u.Preferences.GenderPref, &u.DistanceAnchor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if cooldown.Valid {
		u.CooldownUntil = &cooldown.Time
	}
	return &u, nil
}

func (t *pgTx) getUserStateQuery(ctx context.Context, userID, suffix string) (*UserState, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT user_id, state, match_id, partner_id, waiting_since, fairness, last_active
		FROM mm_user_state WHERE user_id = $1`+suffix, userID)
	var s UserState
	var matchID, partnerID sql.NullString
	var waitingSince sql.NullTime
	if err := row.Scan(&s.UserID, &s.State, &matchID, &partnerID, &waitingSince, &s.Fairness, &s.LastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if matchID.Valid {
		s.MatchID = &matchID.String
	}
	if partnerID.Valid {
		s.PartnerID = &partnerID.String
	}
	if waitingSince.Valid {
		s.WaitingSince = &waitingSince.Time
	}
	return &s, nil
}

func (t *pgTx) GetUserState(ctx context.Context, userID string) (*UserState, error) {
	return t.getUserStateQuery(ctx, userID, "")
}

func (t *pgTx) GetUserStateForUpdate(ctx context.Context, userID string) (*UserState, error) {
	return t.getUserStateQuery(ctx, userID, " FOR UPDATE")
}

func (t *pgTx) PutUserState(ctx context.Context, s *UserState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mm_user_state (user_id, state, match_id, partner_id, waiting_since, fairness, last_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id) DO UPDATE SET
			state = EXCLUDED.state, match_id = EXCLUDED.match_id, partner_id = EXCLUDED.partner_id,
			waiting_since = EXCLUDED.waiting_since, fairness = EXCLUDED.fairness, last_active = EXCLUDED.last_active`,
		s.UserID, s.State, s.MatchID, s.PartnerID, s.WaitingSince, s.Fairness, s.LastActive)
	return err
}

func (t *pgTx) InsertQueueEntry(ctx context.Context, e *QueueEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mm_queue (user_id, joined_at, fairness, preference_stage, last_expanded_at)
		VALUES ($1,$2,$3,$4,$5)`, e.UserID, e.JoinedAt, e.Fairness, e.PreferenceStage, e.LastExpandedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) GetQueueEntry(ctx context.Context, userID string) (*QueueEntry, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT user_id, joined_at, fairness, preference_stage, last_expanded_at
		FROM mm_queue WHERE user_id = $1`, userID)
	var e QueueEntry
	var lastExpanded sql.NullTime
	if err := row.Scan(&e.UserID, &e.JoinedAt, &e.Fairness, &e.PreferenceStage, &lastExpanded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastExpanded.Valid {
		e.LastExpandedAt = &lastExpanded.Time
	}
	return &e, nil
}

func (t *pgTx) UpdateQueueEntry(ctx context.Context, e *QueueEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE mm_queue SET fairness = $2, preference_stage = $3, last_expanded_at = $4
		WHERE user_id = $1`, e.UserID, e.Fairness, e.PreferenceStage, e.LastExpandedAt)
	return err
}

func (t *pgTx) DeleteQueueEntry(ctx context.Context, userID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM mm_queue WHERE user_id = $1`, userID)
	return err
}

func (t *pgTx) ListWaitingQueue(ctx context.Context, limit int) ([]QueueEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT user_id, joined_at, fairness, preference_stage, last_expanded_at
		FROM mm_queue ORDER BY fairness DESC, joined_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var lastExpanded sql.NullTime
		if err := rows.Scan(&e.UserID, &e.JoinedAt, &e.Fairness, &e.PreferenceStage, &lastExpanded); err != nil {
			return nil, err
		}
		if lastExpanded.Valid {
			e.LastExpandedAt = &lastExpanded.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ListStaleQueueEntries(ctx context.Context, lastActiveBefore time.Time, limit int) ([]QueueEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT q.user_id, q.joined_at, q.fairness, q.preference_stage, q.last_expanded_at
		FROM mm_queue q JOIN mm_users u ON u.id = q.user_id
		WHERE u.last_active < $1 OR u.online = false
		LIMIT $2`, lastActiveBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var lastExpanded sql.NullTime
		if err := rows.Scan(&e.UserID, &e.JoinedAt, &e.Fairness, &e.PreferenceStage, &lastExpanded); err != nil {
			return nil, err
		}
		if lastExpanded.Valid {
			e.LastExpandedAt = &lastExpanded.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanMatch(row interface{ Scan(...any) error }) (*Match, error) {
	var m Match
	var outcome sql.NullString
	var started, expires sql.NullTime
	if err := row.Scan(&m.ID, &m.UserLoID, &m.UserHiID, &m.Status, &outcome, &m.CreatedAt, &started, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if outcome.Valid {
		o := Outcome(outcome.String)
		m.Outcome = &o
	}
	if started.Valid {
		m.VoteWindowStartedAt = &started.Time
	}
	if expires.Valid {
		m.VoteWindowExpiresAt = &expires.Time
	}
	return &m, nil
}

const matchColumns = `id, user_lo_id, user_hi_id, status, outcome, created_at, vote_window_started_at, vote_window_expires_at`

func (t *pgTx) InsertMatch(ctx context.Context, m *Match) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mm_matches (`+matchColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.UserLoID, m.UserHiID, m.Status, m.Outcome, m.CreatedAt, m.VoteWindowStartedAt, m.VoteWindowExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM mm_matches WHERE id = $1`, matchID)
	return scanMatch(row)
}

func (t *pgTx) GetMatchForUpdate(ctx context.Context, matchID string) (*Match, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM mm_matches WHERE id = $1 FOR UPDATE`, matchID)
	return scanMatch(row)
}

func (t *pgTx) UpdateMatch(ctx context.Context, m *Match) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE mm_matches SET status=$2, outcome=$3, vote_window_started_at=$4, vote_window_expires_at=$5
		WHERE id = $1`, m.ID, m.Status, m.Outcome, m.VoteWindowStartedAt, m.VoteWindowExpiresAt)
	return err
}

func (t *pgTx) GetActiveMatchForUser(ctx context.Context, userID string) (*Match, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+matchColumns+` FROM mm_matches
		WHERE (user_lo_id = $1 OR user_hi_id = $1) AND status != 'completed'
		LIMIT 1`, userID)
	return scanMatch(row)
}

func (t *pgTx) ListExpiredVoteActive(ctx context.Context, now time.Time, limit int) ([]Match, error) {
	return t.queryMatches(ctx, `
		SELECT `+matchColumns+` FROM mm_matches
		WHERE status = 'vote_active' AND vote_window_expires_at < $1
		LIMIT $2`, now, limit)
}

func (t *pgTx) ListStalePaired(ctx context.Context, olderThan time.Time, limit int) ([]Match, error) {
	return t.queryMatches(ctx, `
		SELECT `+matchColumns+` FROM mm_matches
		WHERE status = 'paired' AND created_at < $1
		LIMIT $2`, olderThan, limit)
}

func (t *pgTx) ListOverdueVoteActive(ctx context.Context, deadline time.Time, limit int) ([]Match, error) {
	return t.queryMatches(ctx, `
		SELECT `+matchColumns+` FROM mm_matches
		WHERE status = 'vote_active' AND vote_window_expires_at < $1
		LIMIT $2`, deadline, limit)
}

func (t *pgTx) queryMatches(ctx context.Context, query string, args ...any) ([]Match, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (t *pgTx) UpsertVote(ctx context.Context, v *Vote) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mm_votes (match_id, user_id, value, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (match_id, user_id) DO UPDATE SET value = EXCLUDED.value, created_at = EXCLUDED.created_at`,
		v.MatchID, v.UserID, v.Value, v.CreatedAt)
	return err
}

func (t *pgTx) GetVotes(ctx context.Context, matchID string) ([]Vote, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT match_id, user_id, value, created_at FROM mm_votes WHERE match_id = $1`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.MatchID, &v.UserID, &v.Value, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPairHistory(ctx context.Context, lo, hi string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mm_pair_history (user_lo_id, user_hi_id, last_matched_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_lo_id, user_hi_id) DO UPDATE SET last_matched_at = EXCLUDED.last_matched_at`,
		lo, hi, at)
	return err
}

func (t *pgTx) GetPairHistory(ctx context.Context, lo, hi string) (*PairHistory, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT user_lo_id, user_hi_id, last_matched_at FROM mm_pair_history
		WHERE user_lo_id = $1 AND user_hi_id = $2`, lo, hi)
	var h PairHistory
	if err := row.Scan(&h.UserLoID, &h.UserHiID, &h.LastMatchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &h, nil
}

func (t *pgTx) InsertNeverPair(ctx context.Context, lo, hi string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mm_never_pair (user_lo_id, user_hi_id, created_at)
		VALUES ($1,$2, now()) ON CONFLICT DO NOTHING`, lo, hi)
	return err
}

func (t *pgTx) IsNeverPair(ctx context.Context, lo, hi string) (bool, error) {
	var exists bool
	row := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM mm_never_pair WHERE user_lo_id = $1 AND user_hi_id = $2)`, lo, hi)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// FindCandidates implements the tiered eligibility scan of spec §4.3.
// Age/distance/gender relaxation by tier, and the history-cooldown
// suppression (tier 0 only), are applied in SQL; NeverPair exclusion
// applies at every tier.
func (t *pgTx) FindCandidates(ctx context.Context, q CandidateQuery) ([]QueueEntry, error) {
	ageTolerance := 0
	distanceMultiplier := 1.0
	anyGender := false
	anyAge := false
	anyDistance := false
	switch q.Tier {
	case 1:
		ageTolerance = 5
	case 2:
		ageTolerance = 10
		distanceMultiplier = 2.0
	case 3:
		anyGender = true
		anyAge = true
		anyDistance = true
	}

	maxDistance := q.Preferences.MaxDistanceKm * distanceMultiplier

	rows, err := t.tx.QueryContext(ctx, `
		SELECT q.user_id, q.joined_at, q.fairness, q.preference_stage, q.last_expanded_at
		FROM mm_queue q
		JOIN mm_users u ON u.id = q.user_id
		JOIN mm_user_state s ON s.user_id = q.user_id
		WHERE q.user_id != $1
		  AND s.state = 'waiting'
		  AND u.online = true
		  AND u.last_active > $2
		  AND NOT EXISTS (
		      SELECT 1 FROM mm_never_pair np
		      WHERE (np.user_lo_id = LEAST($1, q.user_id) AND np.user_hi_id = GREATEST($1, q.user_id)))
		  AND ($8 OR NOT EXISTS (
		      SELECT 1 FROM mm_pair_history ph
		      WHERE ph.user_lo_id = LEAST($1, q.user_id) AND ph.user_hi_id = GREATEST($1, q.user_id)
		        AND ph.last_matched_at > $3))
		  AND ($4 OR u.gender_pref = $5 OR u.gender_pref = 'other')
		  AND ($4 OR u.gender = $13 OR $14)
		  AND ($6 OR u.age BETWEEN $9 AND $10)
		  AND ($7 OR abs(u.distance_anchor - $11) <= $12)
		ORDER BY q.fairness DESC, q.joined_at ASC
		`,
		q.RequesterID,
		q.Now.Add(-q.OfflineGrace),
		q.Now.Add(-q.HistoryCooldown),
		anyGender, q.RequesterGender,
		anyAge,
		anyDistance,
		q.Tier >= 1, // history suppression only applies at tier 0
		q.Preferences.MinAge-ageTolerance,
		q.Preferences.MaxAge+ageTolerance,
		q.DistanceAnchor,
		maxDistance,
		q.Preferences.GenderPref,
		q.Preferences.GenderPref == "other",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var lastExpanded sql.NullTime
		if err := rows.Scan(&e.UserID, &e.JoinedAt, &e.Fairness, &e.PreferenceStage, &lastExpanded); err != nil {
			return nil, err
		}
		if lastExpanded.Valid {
			e.LastExpandedAt = &lastExpanded.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) AppendEvent(ctx context.Context, e TransitionEvent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO mm_events (user_id, from_state, to_state, cause, match_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, e.UserID, e.From, e.To, e.Cause, nullIfEmpty(e.MatchID), e.Timestamp)
	return err
}

func (t *pgTx) UpdateUserLiveness(ctx context.Context, userID string, online bool, lastActive time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE mm_users SET online = $2, last_active = $3 WHERE id = $1`, userID, online, lastActive)
	return err
}

func (t *pgTx) SetCooldownUntil(ctx context.Context, userID string, until *time.Time) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE mm_users SET cooldown_until = $2 WHERE id = $1`, userID, until)
	return err
}

func (t *pgTx) ListCooldownExpired(ctx context.Context, now time.Time, limit int) ([]UserState, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT s.user_id, s.state, s.match_id, s.partner_id, s.waiting_since, s.fairness, s.last_active
		FROM mm_user_state s JOIN mm_users u ON u.id = s.user_id
		WHERE s.state = 'cooldown' AND u.cooldown_until IS NOT NULL AND u.cooldown_until < $1
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserState
	for rows.Next() {
		var s UserState
		var matchID, partnerID sql.NullString
		var waitingSince sql.NullTime
		if err := rows.Scan(&s.UserID, &s.State, &matchID, &partnerID, &waitingSince, &s.Fairness, &s.LastActive); err != nil {
			return nil, err
		}
		if matchID.Valid {
			s.MatchID = &matchID.String
		}
		if partnerID.Valid {
			s.PartnerID = &partnerID.String
		}
		if waitingSince.Valid {
			s.WaitingSince = &waitingSince.Time
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) QueueDepth(ctx context.Context) (int, map[int]int, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT preference_stage, count(*) FROM mm_queue GROUP BY preference_stage`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	byStage := make(map[int]int)
	total := 0
	for rows.Next() {
		var stage, count int
		if err := rows.Scan(&stage, &count); err != nil {
			return 0, nil, err
		}
		byStage[stage] = count
		total += count
	}
	return total, byStage, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation is intentionally driver-agnostic: it looks for any
// error in the chain with a SQLState() method reporting 23505, rather
// than importing a specific driver's error type, since this module
// never imports a Postgres driver directly (see SPEC_FULL.md).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == "23505"
	}
	return false
}
