package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var entryColumns = []string{
	"id", "session_id", "actor_id", "performed_by_superadmin_id", "action", "resource_type",
	"resource_id", "old_values", "new_values", "diff", "endpoint", "method", "risk_level",
	"created_at", "prev_hash", "hash",
}

func TestPostgresStore_AppendChainsToHead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	sessionID := uuid.New()
	e := Entry{
		ID:        "01HXAMPLE0000000000000000",
		SessionID: sessionID,
		ActorID:   uuid.New(),
		Action:    "update",
		RiskLevel: RiskLow,
		NewValues: json.RawMessage(`{"a":1}`),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockSessionChain)).
		WithArgs(sessionID.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectLastHash)).
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("previous-hash"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO impersonation_audit_log")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sealed, err := store.Append(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "previous-hash", sealed.PrevHash)
	assert.NotEmpty(t, sealed.Hash)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendFirstEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	sessionID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockSessionChain)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectLastHash)).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO impersonation_audit_log")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sealed, err := store.Append(context.Background(), Entry{ID: "x", SessionID: sessionID, RiskLevel: RiskLow})
	require.NoError(t, err)
	assert.Empty(t, sealed.PrevHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockSessionChain)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectLastHash)).WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO impersonation_audit_log")).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = store.Append(context.Background(), Entry{ID: "x", SessionID: uuid.New(), RiskLevel: RiskLow})
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListBySession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	sessionID := uuid.New()
	actor := uuid.New()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	oldValues := []byte("{ \"a\" : 1 }")

	rows := sqlmock.NewRows(entryColumns).
		AddRow("id-1", sessionID.String(), actor.String(), actor.String(), "update", "employee",
			"emp-1", oldValues, nil, []byte(`[{"key":"a","kind":"removed","old":1}]`), "/x", "PATCH", "medium",
			created, "", "h1").
		AddRow("id-2", sessionID.String(), actor.String(), actor.String(), "view", "employee",
			nil, nil, nil, []byte(`null`), "", "", "low",
			created.Add(time.Second), "h1", "h2")

	mock.ExpectQuery(regexp.QuoteMeta(selectBySession)).WithArgs(sessionID).WillReturnRows(rows)

	entries, err := store.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "emp-1", *entries[0].ResourceID)
	assert.Equal(t, oldValues, []byte(entries[0].OldValues))
	assert.Nil(t, entries[0].NewValues)
	require.Len(t, entries[0].Diff, 1)
	assert.Equal(t, ChangeRemoved, entries[0].Diff[0].Kind)
	assert.Equal(t, RiskMedium, entries[0].RiskLevel)

	assert.Nil(t, entries[1].ResourceID)
	assert.Nil(t, entries[1].Diff)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NestedDiffKeepsChainValid(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	sessionID := uuid.New()
	actor := uuid.New()
	e := Entry{
		ID:                      "id-1",
		SessionID:               sessionID,
		ActorID:                 actor,
		PerformedBySuperadminID: actor,
		Action:                  "update_address",
		ResourceType:            "employee",
		OldValues:               json.RawMessage(`{"address":{"zip":"10001","city":"NYC"}}`),
		NewValues:               json.RawMessage(`{"address":{"zip":"94105","city":"SF"}}`),
		RiskLevel:               RiskMedium,
		CreatedAt:               time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	e.Diff, err = Diff(e.OldValues, e.NewValues)
	require.NoError(t, err)
	diff, err := json.Marshal(e.Diff)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockSessionChain)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectLastHash)).WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO impersonation_audit_log")).
		WithArgs(
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), diff,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	sealed, err := store.Append(context.Background(), e)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(selectBySession)).WithArgs(sessionID).WillReturnRows(
		sqlmock.NewRows(entryColumns).AddRow(sealed.ID, sessionID.String(), actor.String(), actor.String(),
			sealed.Action, sealed.ResourceType, nil, []byte(sealed.OldValues), []byte(sealed.NewValues), diff,
			"", "", "medium", sealed.CreatedAt, sealed.PrevHash, sealed.Hash))

	entries, err := store.ListBySession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Diff, 1)
	assert.Equal(t, `{"zip":"10001","city":"NYC"}`, string(entries[0].Diff[0].Old), "nested values keep their key order")

	idx, err := VerifyChain(entries)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	// The same content with keys reordered, as jsonb would return it, no longer verifies.
	entries[0].Diff[0].Old = json.RawMessage(`{"city":"NYC","zip":"10001"}`)
	idx, err = VerifyChain(entries)
	assert.Error(t, err)
	assert.Equal(t, 0, idx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func setupAuditDatabase(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithInitScripts(filepath.Join("../../migrations", "delegate_db.sql")),
		postgres.WithDatabase("delegate_db"),
		postgres.WithUsername("delegate"),
		postgres.WithPassword("pwd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", connString)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	return db
}

func TestPostgresStore_Container(t *testing.T) {
	db := setupAuditDatabase(t)
	f := newFixture(t, NewPostgresStore(db))
	ctx := context.Background()

	oldValues := json.RawMessage(`{"address":{"zip":"10001","city":"NYC","line1":"1 Main St"},"title":"Rep"}`)
	newValues := json.RawMessage(`{"address":{"zip":"94105","city":"SF","line1":"1 Main St"},"title":"Rep"}`)

	_, err := f.recorder.Record(ctx, f.caller, RecordRequest{
		SessionID:    f.session.ID,
		Action:       "update_address",
		ResourceType: "employee",
		OldValues:    oldValues,
		NewValues:    newValues,
		Method:       "PATCH",
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.recorder.Record(ctx, f.caller, RecordRequest{
		SessionID:    f.session.ID,
		Action:       "view_employee",
		ResourceType: "employee",
	})
	require.NoError(t, err)

	entries, err := f.recorder.ListForSession(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	first := entries[1]
	assert.Equal(t, []byte(oldValues), []byte(first.OldValues))
	require.Len(t, first.Diff, 1)
	assert.Equal(t, "address", first.Diff[0].Key)
	assert.Equal(t, `{"zip":"10001","city":"NYC","line1":"1 Main St"}`, string(first.Diff[0].Old))

	require.NoError(t, f.recorder.VerifySession(ctx, f.session.ID))
}
