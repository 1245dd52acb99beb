package actions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func newTestDatabase(t *testing.T) *DatabaseAction {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.db")
	a := NewDatabaseAction(map[string]DBConnection{
		DefaultConnection: {Dialect: DialectSQLite, DSN: "file:" + path},
	})
	t.Cleanup(func() { a.Close() })

	db, _, err := a.open(DefaultConnection)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE signups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		plan TEXT
	)`)
	require.NoError(t, err)
	return a
}

func execDB(t *testing.T, a *DatabaseAction, cfg map[string]any) (map[string]any, error) {
	t.Helper()
	out, err := a.Execute(context.Background(), ActionInput{Config: cfg})
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func TestDatabaseAction_InsertSelectUpdateDelete(t *testing.T) {
	a := newTestDatabase(t)

	res, err := execDB(t, a, map[string]any{
		"operation": "insert", "table": "signups",
		"data": map[string]any{"email": "ana@example.com", "plan": "pro"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["rowsAffected"])
	assert.EqualValues(t, 1, res["insertedId"])

	res, err = execDB(t, a, map[string]any{
		"operation": "update", "table": "signups",
		"data":  map[string]any{"plan": "team"},
		"where": map[string]any{"email": "ana@example.com"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["rowsAffected"])

	res, err = execDB(t, a, map[string]any{
		"operation": "select", "table": "signups",
		"columns": []any{"email", "plan"},
		"where":   map[string]any{"plan": "team"},
	})
	require.NoError(t, err)
	rows := res["rows"].([]map[string]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "ana@example.com", rows[0]["email"])

	res, err = execDB(t, a, map[string]any{
		"operation": "delete", "table": "signups",
		"where": map[string]any{"id": float64(1)},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["rowsAffected"])
}

func TestDatabaseAction_Guards(t *testing.T) {
	a := newTestDatabase(t)

	tests := []struct {
		name string
		cfg  map[string]any
	}{
		{"empty table", map[string]any{"operation": "insert", "table": "", "data": map[string]any{"a": 1}}},
		{"injected table", map[string]any{"operation": "select", "table": "signups; DROP TABLE signups"}},
		{"insert without data", map[string]any{"operation": "insert", "table": "signups"}},
		{"update without where", map[string]any{"operation": "update", "table": "signups", "data": map[string]any{"plan": "x"}}},
		{"delete without where", map[string]any{"operation": "delete", "table": "signups", "where": map[string]any{}}},
		{"bad column", map[string]any{"operation": "insert", "table": "signups", "data": map[string]any{"email\"--": "x"}}},
		{"unknown op", map[string]any{"operation": "truncate", "table": "signups"}},
		{"unknown connection", map[string]any{"operation": "select", "table": "signups", "connection": "warehouse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execDB(t, a, tt.cfg)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration), err.Error())
		})
	}
}

func TestDatabaseAction_TranslatesConstraintErrors(t *testing.T) {
	a := newTestDatabase(t)
	insert := map[string]any{"operation": "insert", "table": "signups", "data": map[string]any{"email": "dup@example.com"}}

	_, err := execDB(t, a, insert)
	require.NoError(t, err)

	_, err = execDB(t, a, insert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unique constraint violated")

	_, err = execDB(t, a, map[string]any{"operation": "insert", "table": "signups", "data": map[string]any{"plan": "free"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required value")
}

func TestDatabaseAction_Returning(t *testing.T) {
	a := newTestDatabase(t)

	res, err := execDB(t, a, map[string]any{
		"operation": "insert", "table": "signups",
		"data":      map[string]any{"email": "r@example.com"},
		"returning": "id",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, res["insertedId"])
	assert.Len(t, res["rows"], 1)
}

func TestSQLBuilder_PostgresPlaceholders(t *testing.T) {
	b := &sqlBuilder{dialect: DialectPostgres}
	q, err := b.update("public.signups", map[string]any{"plan": "pro"}, map[string]any{"email": "a@b.c", "deleted_at": nil})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "public"."signups" SET "plan" = $1 WHERE "deleted_at" IS NULL AND "email" = $2`, q)
	assert.Equal(t, []any{"pro", "a@b.c"}, b.args)
}

func TestTranslateDBError_Postgres(t *testing.T) {
	tests := []struct {
		pg   *pgconn.PgError
		want string
	}{
		{&pgconn.PgError{Code: "23505", ConstraintName: "signups_email_key", Detail: "Key (email)=(a@b.c) already exists."}, "unique constraint violated: signups_email_key"},
		{&pgconn.PgError{Code: "23502", ColumnName: "email"}, `missing required value: column "email" cannot be null`},
		{&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type integer: \"abc\""}, "invalid value type"},
	}
	for _, tt := range tests {
		err := translateDBError(errors.Join(errors.New("exec"), tt.pg))
		assert.Contains(t, err.Error(), tt.want)
	}
}
