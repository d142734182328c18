// Package mute provides PostgreSQL-backed storage for user mutes. A mute
// suspends a user's ability to post until its expiration time; the table
// holds at most one row per user, enforced by a unique constraint, so a new
// mute always supersedes the previous one.
package mute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrInvalidDuration is returned by Upsert when the policy yields a
	// negative mute duration. No mute is written.
	ErrInvalidDuration = errors.New("mute: negative mute duration")

	// ErrStore wraps every database failure returned by Store.
	ErrStore = errors.New("mute: store failure")
)

// Durations resolves how many days a flag type mutes for.
type Durations interface {
	MuteDurationDays(flagType string) int
}

// Record is one row of the muted_users table. Zero PostID/TopicID mean the
// column is NULL.
type Record struct {
	ID             int64
	UserID         int64
	PostID         int64
	TopicID        int64
	IsTopic        bool
	Content        string
	MuteTime       time.Time
	ExpirationTime time.Time
	Type           string
	Reason         string
}

// Active reports whether the mute is still in force at now.
func (r *Record) Active(now time.Time) bool {
	return r.ExpirationTime.After(now)
}

// Context describes the content that triggered a mute.
type Context struct {
	PostID  int64
	TopicID int64
	IsTopic bool
	Content string
	Type    string
	Reason  string
}

// Store manages mute records in PostgreSQL.
type Store struct {
	db        *sql.DB
	durations Durations
	now       func() time.Time
}

// NewStore creates a mute store backed by db. durations decides the length
// of each new mute.
func NewStore(db *sql.DB, durations Durations) *Store {
	return &Store{db: db, durations: durations, now: time.Now}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

const recordColumns = `id, user_id, post_id, topic_id, is_topic, post_content, mute_time, expiration_time, type, reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec     Record
		postID  sql.NullInt64
		topicID sql.NullInt64
		content sql.NullString
		reason  sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.UserID, &postID, &topicID, &rec.IsTopic, &content,
		&rec.MuteTime, &rec.ExpirationTime, &rec.Type, &reason)
	if err != nil {
		return nil, err
	}
	rec.PostID = postID.Int64
	rec.TopicID = topicID.Int64
	rec.Content = content.String
	rec.Reason = reason.String
	return &rec, nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

func nullText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// IsActivelyMuted reports whether userID has a mute expiring after now.
func (s *Store) IsActivelyMuted(ctx context.Context, userID int64) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM muted_users WHERE user_id = $1 AND expiration_time > $2)`

	var muted bool
	if err := s.db.QueryRowContext(ctx, query, userID, s.now().UTC()).Scan(&muted); err != nil {
		return false, storeErr("is actively muted", err)
	}
	return muted, nil
}

// ActiveExpiration returns when userID's active mute ends. ok is false when
// the user has no active mute.
func (s *Store) ActiveExpiration(ctx context.Context, userID int64) (time.Time, bool, error) {
	const query = `SELECT expiration_time FROM muted_users WHERE user_id = $1 AND expiration_time > $2`

	var exp time.Time
	err := s.db.QueryRowContext(ctx, query, userID, s.now().UTC()).Scan(&exp)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErr("active expiration", err)
	}
	return exp, true, nil
}

// Upsert mutes userID for the duration the policy assigns to mc.Type,
// overwriting any existing mute for that user. Returns the stored record.
func (s *Store) Upsert(ctx context.Context, userID int64, mc Context) (*Record, error) {
	days := s.durations.MuteDurationDays(mc.Type)
	if days < 0 {
		return nil, fmt.Errorf("%w: %d days for type %q", ErrInvalidDuration, days, mc.Type)
	}

	muteTime := s.now().UTC().Truncate(time.Second)
	rec := &Record{
		UserID:         userID,
		PostID:         mc.PostID,
		TopicID:        mc.TopicID,
		IsTopic:        mc.IsTopic,
		Content:        mc.Content,
		MuteTime:       muteTime,
		ExpirationTime: muteTime.AddDate(0, 0, days),
		Type:           mc.Type,
		Reason:         mc.Reason,
	}

	const query = `
		INSERT INTO muted_users (user_id, post_id, topic_id, is_topic, post_content, mute_time, expiration_time, type, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			post_id = EXCLUDED.post_id,
			topic_id = EXCLUDED.topic_id,
			is_topic = EXCLUDED.is_topic,
			post_content = EXCLUDED.post_content,
			mute_time = EXCLUDED.mute_time,
			expiration_time = EXCLUDED.expiration_time,
			type = EXCLUDED.type,
			reason = EXCLUDED.reason
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		rec.UserID,
		nullID(rec.PostID),
		nullID(rec.TopicID),
		rec.IsTopic,
		nullText(rec.Content),
		rec.MuteTime,
		rec.ExpirationTime,
		rec.Type,
		nullText(rec.Reason),
	).Scan(&rec.ID)
	if err != nil {
		return nil, storeErr("upsert", err)
	}
	return rec, nil
}

// Get returns userID's mute record, active or not. Returns nil if none.
func (s *Store) Get(ctx context.Context, userID int64) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM muted_users WHERE user_id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return rec, nil
}

// Delete removes userID's mute record. Deleting a missing record is not an
// error.
func (s *Store) Delete(ctx context.Context, userID int64) error {
	const query = `DELETE FROM muted_users WHERE user_id = $1`

	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return storeErr("delete", err)
	}
	return nil
}

// ListExpired returns every record whose expiration_time is at or before
// now, oldest first.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM muted_users WHERE expiration_time <= $1 ORDER BY expiration_time ASC`

	rows, err := s.db.QueryContext(ctx, query, now.UTC())
	if err != nil {
		return nil, storeErr("list expired", err)
	}
	defer rows.Close()

	return collect(rows, "list expired")
}

// DeleteExpired removes the given records in one statement. Rows whose
// expiration moved past cutoff since they were listed (the user was muted
// again) are left alone.
func (s *Store) DeleteExpired(ctx context.Context, ids []int64, cutoff time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	const query = `DELETE FROM muted_users WHERE id = ANY($1) AND expiration_time <= $2`

	res, err := s.db.ExecContext(ctx, query, pq.Array(ids), cutoff.UTC())
	if err != nil {
		return 0, storeErr("delete expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("delete expired", err)
	}
	return n, nil
}

// CountExpired returns how many records are expired at now.
func (s *Store) CountExpired(ctx context.Context, now time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM muted_users WHERE expiration_time <= $1`

	var n int
	if err := s.db.QueryRowContext(ctx, query, now.UTC()).Scan(&n); err != nil {
		return 0, storeErr("count expired", err)
	}
	return n, nil
}

// List returns a page of records, soonest expiration first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM muted_users ORDER BY expiration_time ASC, id ASC LIMIT $1 OFFSET $2`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()

	return collect(rows, "list")
}

// Count returns the total number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM muted_users`).Scan(&n); err != nil {
		return 0, storeErr("count", err)
	}
	return n, nil
}

func collect(rows *sql.Rows, op string) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr(op, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	return out, nil
}
