package mute

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedDurations map[string]int

func (d fixedDurations) MuteDurationDays(flagType string) int {
	if n, ok := d[flagType]; ok {
		return n
	}
	return 7
}

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, fixedDurations{"FLAGGED": 1, "BAD": -1})
	s.now = func() time.Time { return testNow }
	return s, mock
}

func recordRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "post_id", "topic_id", "is_topic", "post_content",
		"mute_time", "expiration_time", "type", "reason"})
}

func TestIsActivelyMuted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM muted_users WHERE user_id = $1 AND expiration_time > $2)`)).
		WithArgs(int64(42), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	muted, err := s.IsActivelyMuted(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsActivelyMuted_StoreError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WillReturnError(errors.New("connection reset"))

	muted, err := s.IsActivelyMuted(context.Background(), 42)
	assert.False(t, muted)
	assert.True(t, errors.Is(err, ErrStore))
}

func TestActiveExpiration(t *testing.T) {
	s, mock := newMockStore(t)
	exp := testNow.Add(2 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT expiration_time FROM muted_users WHERE user_id = $1 AND expiration_time > $2`)).
		WithArgs(int64(42), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"expiration_time"}).AddRow(exp))

	got, ok, err := s.ActiveExpiration(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, exp.Equal(got))
}

func TestActiveExpiration_NotMuted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT expiration_time FROM muted_users`)).
		WillReturnRows(sqlmock.NewRows([]string{"expiration_time"}))

	_, ok, err := s.ActiveExpiration(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsert_ComputesExpiration(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO muted_users`)).
		WithArgs(int64(42), sql.NullInt64{Int64: 7, Valid: true}, sql.NullInt64{Int64: 3, Valid: true}, false,
			sql.NullString{String: "buy now", Valid: true}, testNow, testNow.AddDate(0, 0, 1), "FLAGGED",
			sql.NullString{String: "spam", Valid: true}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	rec, err := s.Upsert(context.Background(), 42, Context{
		PostID: 7, TopicID: 3, Content: "buy now", Type: "FLAGGED", Reason: "spam",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), rec.ID)
	assert.Equal(t, testNow.AddDate(0, 0, 1), rec.ExpirationTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_UsesConflictClause(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`ON CONFLICT \(user_id\) DO UPDATE SET`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectQuery(`ON CONFLICT \(user_id\) DO UPDATE SET`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	first, err := s.Upsert(context.Background(), 42, Context{Type: "FLAGGED"})
	require.NoError(t, err)
	second, err := s.Upsert(context.Background(), 42, Context{Type: "OTHER"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, testNow.AddDate(0, 0, 7), second.ExpirationTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_NullsForMissingContext(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO muted_users`)).
		WithArgs(int64(42), sql.NullInt64{}, sql.NullInt64{}, true, sql.NullString{},
			sqlmock.AnyArg(), sqlmock.AnyArg(), "FLAGGED", sql.NullString{}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	_, err := s.Upsert(context.Background(), 42, Context{IsTopic: true, Type: "FLAGGED"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert_NegativeDurationRejected(t *testing.T) {
	s, mock := newMockStore(t)

	rec, err := s.Upsert(context.Background(), 42, Context{Type: "BAD"})
	assert.Nil(t, rec)
	assert.True(t, errors.Is(err, ErrInvalidDuration))
	// No statement may reach the database.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + recordColumns + ` FROM muted_users WHERE user_id = $1`)).
		WithArgs(int64(42)).
		WillReturnRows(recordRows().AddRow(1, 42, nil, 9, true, nil, testNow, testNow.Add(time.Hour), "FLAGGED", "spam"))

	rec, err := s.Get(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(0), rec.PostID)
	assert.Equal(t, int64(9), rec.TopicID)
	assert.True(t, rec.IsTopic)
	assert.Equal(t, "", rec.Content)
	assert.Equal(t, "spam", rec.Reason)
	assert.True(t, rec.Active(testNow))
}

func TestGet_Missing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM muted_users WHERE user_id = $1`)).
		WillReturnRows(recordRows())

	rec, err := s.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDelete(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM muted_users WHERE user_id = $1`)).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Delete(context.Background(), 42))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListExpired(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM muted_users WHERE expiration_time <= $1 ORDER BY expiration_time ASC`)).
		WithArgs(testNow).
		WillReturnRows(recordRows().
			AddRow(1, 42, 7, 3, false, "a", testNow.Add(-48*time.Hour), testNow.Add(-30*time.Second), "FLAGGED", "spam").
			AddRow(2, 43, 8, 4, true, "b", testNow.Add(-24*time.Hour), testNow, "FLAGGED", "spam"))

	recs, err := s.ListExpired(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(42), recs[0].UserID)
	assert.Equal(t, int64(43), recs[1].UserID)
	assert.False(t, recs[1].Active(testNow), "expiration exactly at now counts as expired")
}

func TestDeleteExpired(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM muted_users WHERE id = ANY($1) AND expiration_time <= $2`)).
		WithArgs(sqlmock.AnyArg(), testNow).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.DeleteExpired(context.Background(), []int64{1, 2}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpired_NoIDs(t *testing.T) {
	s, mock := newMockStore(t)

	n, err := s.DeleteExpired(context.Background(), nil, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountExpired(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM muted_users WHERE expiration_time <= $1`)).
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.CountExpired(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestListAndCount(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM muted_users ORDER BY expiration_time ASC, id ASC LIMIT $1 OFFSET $2`)).
		WithArgs(100, 200).
		WillReturnRows(recordRows().AddRow(1, 42, 7, 3, false, "a", testNow, testNow.Add(time.Hour), "FLAGGED", nil))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM muted_users`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(201))

	recs, err := s.List(context.Background(), 100, 200)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	total, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 201, total)
}
