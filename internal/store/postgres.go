package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tally/api/internal/vote"
)

// targetTables maps a target type onto the content table carrying its
// counters. Table names never come from input.
var targetTables = map[vote.TargetType]string{
	vote.TargetPost:    "community_posts",
	vote.TargetComment: "community_comments",
}

func tableFor(t vote.TargetType) (string, error) {
	table, ok := targetTables[t]
	if !ok {
		return "", fmt.Errorf("%w: unknown target type %q", vote.ErrInvalidTarget, t)
	}
	return table, nil
}

// requireAuthor rejects content nobody owns; its votes would have no
// reputation to credit.
func requireAuthor(target vote.Target, authorID string) error {
	if strings.TrimSpace(authorID) == "" {
		return fmt.Errorf("%w: %s needs an author", vote.ErrInvalidTarget, target)
	}
	return nil
}

// TxConfig bounds every vote transaction.
type TxConfig struct {
	// LockTimeout caps each row-lock wait inside the transaction.
	LockTimeout time.Duration
	// Timeout caps the whole transaction.
	Timeout time.Duration
}

type PostgresStore struct {
	db  *sql.DB
	cfg TxConfig
}

func NewPostgresStore(db *sql.DB, cfg TxConfig) *PostgresStore {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, cfg: cfg}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// InTx runs fn in a READ COMMITTED transaction. Row locks taken through the
// Tx give the serialization the engine relies on; fn's error rolls back
// every write.
func (s *PostgresStore) InTx(ctx context.Context, fn func(vote.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("begin vote tx", err)
	}
	defer tx.Rollback()

	lockTimeout := fmt.Sprintf("%dms", s.cfg.LockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, lockTimeout); err != nil {
		return classify("set lock timeout", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit vote tx", err)
	}
	return nil
}

// CreateTarget registers a voteable item with zeroed counters. Existing
// items are left untouched.
func (s *PostgresStore) CreateTarget(ctx context.Context, target vote.Target, authorID string) error {
	table, err := tableFor(target.Type)
	if err != nil {
		return err
	}
	if err := requireAuthor(target, authorID); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, author_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, table)
	if _, err := s.db.ExecContext(ctx, query, target.ID, authorID); err != nil {
		return classify("create target", err)
	}
	return nil
}

func (s *PostgresStore) GetVote(ctx context.Context, key vote.Key) (*vote.Vote, error) {
	v, err := scanVote(s.db.QueryRowContext(ctx, `
		SELECT value, created_at
		FROM votes
		WHERE actor_id=$1 AND target_type=$2 AND target_id=$3
	`, key.ActorID, string(key.Target.Type), key.Target.ID), key)
	if err != nil {
		return nil, classify("get vote", err)
	}
	return v, nil
}

func (s *PostgresStore) GetAggregate(ctx context.Context, target vote.Target) (vote.Aggregate, error) {
	table, err := tableFor(target.Type)
	if err != nil {
		return vote.Aggregate{}, err
	}
	query := fmt.Sprintf(`SELECT author_id, upvotes, downvotes, score FROM %s WHERE id=$1`, table)
	agg, err := scanAggregate(s.db.QueryRowContext(ctx, query, target.ID), target)
	if err != nil {
		return vote.Aggregate{}, classify("get aggregate", err)
	}
	return agg, nil
}

func (s *PostgresStore) Reputation(ctx context.Context, userID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::int
		FROM reputation_logs
		WHERE user_id=$1
	`, userID).Scan(&total)
	if err != nil {
		return 0, classify("sum reputation", err)
	}
	return total, nil
}

func (s *PostgresStore) ListReputation(ctx context.Context, userID string, limit int) ([]vote.ReputationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, actor_id, amount, reason, target_type, target_id, created_at
		FROM reputation_logs
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, classify("list reputation", err)
	}
	defer rows.Close()

	items := make([]vote.ReputationEntry, 0)
	for rows.Next() {
		var item vote.ReputationEntry
		var targetType string
		if err := rows.Scan(&item.ID, &item.AuthorID, &item.ActorID, &item.Amount, &item.Reason, &targetType, &item.Target.ID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reputation entry: %w", err)
		}
		item.Target.Type = vote.TargetType(targetType)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate reputation", err)
	}
	return items, nil
}

const targetsCTE = `
	targets AS (
		SELECT 'post' AS target_type, id, author_id, upvotes, downvotes, score FROM community_posts
		UNION ALL
		SELECT 'comment' AS target_type, id, author_id, upvotes, downvotes, score FROM community_comments
	)`

func (s *PostgresStore) AggregateDrift(ctx context.Context) ([]vote.AggregateDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH`+targetsCTE+`,
		counts AS (
			SELECT target_type, target_id,
				(COUNT(*) FILTER (WHERE value = 1))::int AS up,
				(COUNT(*) FILTER (WHERE value = -1))::int AS down
			FROM votes
			GROUP BY target_type, target_id
		)
		SELECT t.target_type, t.id, t.author_id, t.upvotes, t.downvotes, t.score,
			COALESCE(c.up, 0), COALESCE(c.down, 0)
		FROM targets t
		LEFT JOIN counts c ON c.target_type = t.target_type AND c.target_id = t.id
		WHERE t.upvotes <> COALESCE(c.up, 0)
			OR t.downvotes <> COALESCE(c.down, 0)
			OR t.score <> t.upvotes - t.downvotes
		ORDER BY t.target_type, t.id
	`)
	if err != nil {
		return nil, classify("scan aggregate drift", err)
	}
	defer rows.Close()

	items := make([]vote.AggregateDrift, 0)
	for rows.Next() {
		var item vote.AggregateDrift
		var targetType string
		stored := &item.Stored
		if err := rows.Scan(&targetType, &stored.Target.ID, &stored.AuthorID, &stored.Upvotes, &stored.Downvotes, &stored.Score, &item.Upvotes, &item.Downvotes); err != nil {
			return nil, fmt.Errorf("scan aggregate drift row: %w", err)
		}
		stored.Target.Type = vote.TargetType(targetType)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate aggregate drift", err)
	}
	return items, nil
}

// ReputationDrift compares each (actor, target) ledger sum against the effect
// of the actor's standing vote. Pairs with ledger rows but no vote expect 0.
func (s *PostgresStore) ReputationDrift(ctx context.Context) ([]vote.ReputationDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH`+targetsCTE+`,
		ledger AS (
			SELECT actor_id, target_type, target_id, SUM(amount)::int AS actual
			FROM reputation_logs
			GROUP BY actor_id, target_type, target_id
		),
		standing AS (
			SELECT v.actor_id, v.target_type, v.target_id,
				CASE
					WHEN v.actor_id = t.author_id THEN 0
					WHEN v.value = 1 AND v.target_type = 'post' THEN $1::int
					WHEN v.value = 1 THEN $2::int
					ELSE $3::int
				END AS expected
			FROM votes v
			JOIN targets t ON t.target_type = v.target_type AND t.id = v.target_id
		)
		SELECT
			COALESCE(s.actor_id, l.actor_id),
			COALESCE(s.target_type, l.target_type),
			COALESCE(s.target_id, l.target_id),
			COALESCE(t.author_id, ''),
			COALESCE(l.actual, 0),
			COALESCE(s.expected, 0)
		FROM standing s
		FULL OUTER JOIN ledger l
			ON l.actor_id = s.actor_id AND l.target_type = s.target_type AND l.target_id = s.target_id
		LEFT JOIN targets t
			ON t.target_type = COALESCE(s.target_type, l.target_type) AND t.id = COALESCE(s.target_id, l.target_id)
		WHERE COALESCE(l.actual, 0) <> COALESCE(s.expected, 0)
		ORDER BY 1, 2, 3
	`, vote.PostUpvoteAmount, vote.CommentUpvoteAmount, vote.DownvoteAmount)
	if err != nil {
		return nil, classify("scan reputation drift", err)
	}
	defer rows.Close()

	items := make([]vote.ReputationDrift, 0)
	for rows.Next() {
		var item vote.ReputationDrift
		var targetType string
		if err := rows.Scan(&item.ActorID, &targetType, &item.Target.ID, &item.AuthorID, &item.Actual, &item.Expected); err != nil {
			return nil, fmt.Errorf("scan reputation drift row: %w", err)
		}
		item.Target.Type = vote.TargetType(targetType)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate reputation drift", err)
	}
	return items, nil
}

func (s *PostgresStore) AuditWindow(ctx context.Context, actorID string, since time.Time) (int, time.Time, error) {
	var count int
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int, MIN(created_at)
		FROM vote_audit_logs
		WHERE actor_id=$1 AND created_at >= $2
	`, actorID, since).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, classify("count audit window", err)
	}
	if !oldest.Valid {
		return count, time.Time{}, nil
	}
	return count, oldest.Time, nil
}

func (s *PostgresStore) CountVotesSince(ctx context.Context, actorID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM votes
		WHERE actor_id=$1 AND created_at >= $2
	`, actorID, since).Scan(&count)
	if err != nil {
		return 0, classify("count votes since", err)
	}
	return count, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanVote returns (nil, nil) when the row does not exist.
func scanVote(row rowScanner, key vote.Key) (*vote.Vote, error) {
	var value int
	var createdAt time.Time
	err := row.Scan(&value, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &vote.Vote{ActorID: key.ActorID, Target: key.Target, Value: vote.Value(value), CreatedAt: createdAt}, nil
}

func scanAggregate(row rowScanner, target vote.Target) (vote.Aggregate, error) {
	agg := vote.Aggregate{Target: target}
	err := row.Scan(&agg.AuthorID, &agg.Upvotes, &agg.Downvotes, &agg.Score)
	if errors.Is(err, sql.ErrNoRows) {
		return vote.Aggregate{}, fmt.Errorf("%w: %s", vote.ErrTargetNotFound, target)
	}
	if err != nil {
		return vote.Aggregate{}, err
	}
	// An authorless row is not voteable content.
	if agg.AuthorID == "" {
		return vote.Aggregate{}, fmt.Errorf("%w: %s has no author", vote.ErrTargetNotFound, target)
	}
	return agg, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockTarget(ctx context.Context, target vote.Target) (vote.Aggregate, error) {
	table, err := tableFor(target.Type)
	if err != nil {
		return vote.Aggregate{}, err
	}
	query := fmt.Sprintf(`SELECT author_id, upvotes, downvotes, score FROM %s WHERE id=$1 FOR UPDATE`, table)
	agg, err := scanAggregate(t.tx.QueryRowContext(ctx, query, target.ID), target)
	if errors.Is(err, vote.ErrTargetNotFound) {
		return vote.Aggregate{}, err
	}
	if err != nil {
		return vote.Aggregate{}, classify("lock target", err)
	}
	return agg, nil
}

func (t *pgTx) LockVote(ctx context.Context, key vote.Key) (*vote.Vote, error) {
	v, err := scanVote(t.tx.QueryRowContext(ctx, `
		SELECT value, created_at
		FROM votes
		WHERE actor_id=$1 AND target_type=$2 AND target_id=$3
		FOR UPDATE
	`, key.ActorID, string(key.Target.Type), key.Target.ID), key)
	if err != nil {
		return nil, classify("lock vote", err)
	}
	return v, nil
}

func (t *pgTx) AppendAudit(ctx context.Context, entry vote.AuditEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO vote_audit_logs (id, actor_id, target_type, target_id, requested_value, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ActorID, string(entry.Target.Type), entry.Target.ID, int(entry.RequestedValue), entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		return classify("append vote audit", err)
	}
	return nil
}

func (t *pgTx) InsertVote(ctx context.Context, v vote.Vote) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO votes (actor_id, target_type, target_id, value, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, v.ActorID, string(v.Target.Type), v.Target.ID, int(v.Value), v.CreatedAt)
	if err != nil {
		return classify("insert vote", err)
	}
	return nil
}

func (t *pgTx) UpdateVoteValue(ctx context.Context, key vote.Key, value vote.Value) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE votes SET value=$4
		WHERE actor_id=$1 AND target_type=$2 AND target_id=$3
	`, key.ActorID, string(key.Target.Type), key.Target.ID, int(value))
	if err != nil {
		return classify("update vote", err)
	}
	return expectOneRow(result, "update vote")
}

func (t *pgTx) DeleteVote(ctx context.Context, key vote.Key) error {
	result, err := t.tx.ExecContext(ctx, `
		DELETE FROM votes
		WHERE actor_id=$1 AND target_type=$2 AND target_id=$3
	`, key.ActorID, string(key.Target.Type), key.Target.ID)
	if err != nil {
		return classify("delete vote", err)
	}
	return expectOneRow(result, "delete vote")
}

func (t *pgTx) SaveAggregate(ctx context.Context, agg vote.Aggregate) error {
	table, err := tableFor(agg.Target.Type)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET upvotes=$2, downvotes=$3, score=$4 WHERE id=$1`, table)
	result, err := t.tx.ExecContext(ctx, query, agg.Target.ID, agg.Upvotes, agg.Downvotes, agg.Score)
	if err != nil {
		return classify("save aggregate", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify("save aggregate rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", vote.ErrTargetNotFound, agg.Target)
	}
	return nil
}

func (t *pgTx) AppendReputation(ctx context.Context, entry vote.ReputationEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reputation_logs (id, user_id, actor_id, amount, reason, target_type, target_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.AuthorID, entry.ActorID, entry.Amount, entry.Reason, string(entry.Target.Type), entry.Target.ID, entry.CreatedAt)
	if err != nil {
		return classify("append reputation", err)
	}
	return nil
}

func (t *pgTx) CountVotes(ctx context.Context, target vote.Target) (int, int, error) {
	var up, down int
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			(COUNT(*) FILTER (WHERE value = 1))::int,
			(COUNT(*) FILTER (WHERE value = -1))::int
		FROM votes
		WHERE target_type=$1 AND target_id=$2
	`, string(target.Type), target.ID).Scan(&up, &down)
	if err != nil {
		return 0, 0, classify("count votes", err)
	}
	return up, down, nil
}

// expectOneRow guards writes against a vote row that vanished under a lock
// the caller believed it held.
func expectOneRow(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if affected != 1 {
		return fmt.Errorf("%s: %w: affected %d rows", op, vote.ErrInconsistent, affected)
	}
	return nil
}
