package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenWritesSchemaVersion(t *testing.T) {
	db := openDB(t)
	assert.Equal(t, schemaVersion, db.Meta("schema_version"))
	assert.Empty(t, db.Meta("missing"))
	assert.FileExists(t, db.Path())
}

func TestRecordAndGet(t *testing.T) {
	db := openDB(t)
	start := time.UnixMilli(1_700_000_000_000)
	rec := CallRecord{
		CallID:       "c1",
		ChatID:       "chat",
		Kind:         "video",
		Group:        true,
		Direction:    "outgoing",
		Outcome:      OutcomeEnded,
		Participants: []string{"u1", "u2"},
		StartedAt:    start,
		ConnectedAt:  start.Add(5 * time.Second),
		EndedAt:      start.Add(65 * time.Second),
	}
	require.NoError(t, db.RecordCall(rec))

	got, err := db.GetCall("c1")
	require.NoError(t, err)
	assert.Equal(t, rec.ChatID, got.ChatID)
	assert.True(t, got.Group)
	assert.Equal(t, []string{"u1", "u2"}, got.Participants)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, time.Minute, got.Duration())

	_, err = db.GetCall("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordReplacesOutcome(t *testing.T) {
	db := openDB(t)
	now := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, db.RecordCall(CallRecord{CallID: "c1", Outcome: OutcomeFailed, Reason: "ice", StartedAt: now, EndedAt: now}))
	require.NoError(t, db.RecordCall(CallRecord{CallID: "c1", Outcome: OutcomeEnded, StartedAt: now, EndedAt: now.Add(time.Second)}))

	got, err := db.GetCall("c1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnded, got.Outcome)
	assert.Empty(t, got.Reason)
	assert.Empty(t, got.Participants)
	assert.True(t, got.ConnectedAt.IsZero())
	assert.Zero(t, got.Duration())
}

func TestRecordRequiresID(t *testing.T) {
	assert.Error(t, openDB(t).RecordCall(CallRecord{Outcome: OutcomeMissed}))
}

func TestListAndPrune(t *testing.T) {
	db := openDB(t)
	base := time.UnixMilli(1_700_000_000_000)
	for i, id := range []string{"a", "b", "c"} {
		end := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, db.RecordCall(CallRecord{CallID: id, Outcome: OutcomeMissed, StartedAt: end, EndedAt: end}))
	}

	all, err := db.ListCalls(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].CallID)
	assert.Equal(t, "a", all[2].CallID)

	two, err := db.ListCalls(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	n, err := db.PruneCalls(base.Add(90 * time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rest, err := db.ListCalls(10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].CallID)
}
