package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/hookflow/pkg/schema"
)

// OutputKeyDatabase is where the database action stores its result.
const OutputKeyDatabase = "databaseResult"

// DefaultConnection is the connection used when an action names none.
const DefaultConnection = "default"

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// DBConnection names a target database.
type DBConnection struct {
	Dialect string `mapstructure:"dialect" json:"dialect"`
	DSN     string `mapstructure:"dsn" json:"dsn"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DatabaseAction runs insert, update, delete and select against a named
// connection. Update and delete always carry a non-empty where clause.
type DatabaseAction struct {
	conns map[string]DBConnection

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewDatabaseAction creates the database action over the given connections.
func NewDatabaseAction(conns map[string]DBConnection) *DatabaseAction {
	cp := make(map[string]DBConnection, len(conns))
	for k, v := range conns {
		cp[k] = v
	}
	return &DatabaseAction{conns: cp, dbs: make(map[string]*sql.DB)}
}

func (a *DatabaseAction) Type() schema.ActionType         { return schema.ActionDatabase }
func (a *DatabaseAction) OutputKey(map[string]any) string { return OutputKeyDatabase }
func (a *DatabaseAction) Description() string {
	return "Insert, update, delete or select rows in a configured database."
}

// Close releases every opened connection pool.
func (a *DatabaseAction) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for name, db := range a.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(a.dbs, name)
	}
	return errors.Join(errs...)
}

func (a *DatabaseAction) open(name string) (*sql.DB, string, error) {
	conn, ok := a.conns[name]
	if !ok {
		return nil, "", schema.ConfigurationError("database provider is not configured: unknown connection %q", name)
	}
	driver, dialect, err := driverFor(conn.Dialect)
	if err != nil {
		return nil, "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.dbs[name]; ok {
		return db, dialect, nil
	}
	db, err := sql.Open(driver, conn.DSN)
	if err != nil {
		return nil, "", schema.ConfigurationError("database connection %q: %s", name, err.Error()).WithCause(err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	a.dbs[name] = db
	return db, dialect, nil
}

func driverFor(dialect string) (driver, normalized string, err error) {
	switch strings.ToLower(dialect) {
	case "", "sqlite", "libsql":
		return "libsql", DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return "pgx", DialectPostgres, nil
	default:
		return "", "", schema.ConfigurationError("unsupported database dialect %q", dialect)
	}
}

func (a *DatabaseAction) Execute(ctx context.Context, input ActionInput) (any, error) {
	params := input.Config
	op := strings.ToLower(stringParam(params, "operation", ""))
	table := stringParam(params, "table", "")
	if err := checkTable(table); err != nil {
		return nil, err
	}
	data := mapParam(params, "data")
	where := mapParam(params, "where")

	switch op {
	case "insert", "update":
		if len(data) == 0 {
			return nil, schema.ConfigurationError("database %s requires non-empty data", op)
		}
	}
	switch op {
	case "update", "delete":
		if len(where) == 0 {
			return nil, schema.ConfigurationError("database %s requires a non-empty where clause", op)
		}
	case "insert", "select":
	default:
		return nil, schema.ConfigurationError("unsupported database operation %q", op)
	}

	db, dialect, err := a.open(stringParam(params, "connection", DefaultConnection))
	if err != nil {
		return nil, err
	}

	b := &sqlBuilder{dialect: dialect}
	var query string
	switch op {
	case "insert":
		query, err = b.insert(table, data)
	case "update":
		query, err = b.update(table, data, where)
	case "delete":
		query, err = b.delete(table, where)
	case "select":
		query, err = b.selectRows(table, stringsParam(params, "columns"), where, intParam(params, "limit", 0))
	}
	if err != nil {
		return nil, err
	}

	returning := stringsParam(params, "returning")
	if op != "select" && len(returning) > 0 {
		cols, err := quoteIdents(returning)
		if err != nil {
			return nil, err
		}
		query += " RETURNING " + strings.Join(cols, ", ")
	}

	result := map[string]any{"operation": op, "table": table}

	if op == "select" || len(returning) > 0 {
		rows, err := queryRows(ctx, db, query, b.args)
		if err != nil {
			return nil, translateDBError(err)
		}
		result["rows"] = rows
		result["rowsAffected"] = len(rows)
		if op == "insert" && len(rows) == 1 {
			for _, k := range []string{"id", returning[0]} {
				if v, ok := rows[0][k]; ok {
					result["insertedId"] = v
					break
				}
			}
		}
		return result, nil
	}

	res, err := db.ExecContext(ctx, query, b.args...)
	if err != nil {
		return nil, translateDBError(err)
	}
	n, err := res.RowsAffected()
	if err == nil {
		result["rowsAffected"] = n
	}
	if op == "insert" && dialect == DialectSQLite {
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			result["insertedId"] = id
		}
	}
	return result, nil
}

func checkTable(table string) error {
	if table == "" {
		return schema.ConfigurationError("database table is required")
	}
	for _, part := range strings.Split(table, ".") {
		if !identRe.MatchString(part) {
			return schema.ConfigurationError("invalid table name %q", table)
		}
	}
	return nil
}

func quoteIdent(name string) (string, error) {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if !identRe.MatchString(p) {
			return "", schema.ConfigurationError("invalid identifier %q", name)
		}
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, "."), nil
}

func quoteIdents(names []string) ([]string, error) {
	out := make([]string, len(names))
	for i, n := range names {
		q, err := quoteIdent(n)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sqlBuilder accumulates positional arguments in the dialect's placeholder style.
type sqlBuilder struct {
	dialect string
	args    []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	if b.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", len(b.args))
	}
	return "?"
}

func (b *sqlBuilder) insert(table string, data map[string]any) (string, error) {
	qt, _ := quoteIdent(table)
	keys := sortedKeys(data)
	cols, err := quoteIdents(keys)
	if err != nil {
		return "", err
	}
	marks := make([]string, len(keys))
	for i, k := range keys {
		marks[i] = b.bind(sqlValue(data[k]))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", qt, strings.Join(cols, ", "), strings.Join(marks, ", ")), nil
}

func (b *sqlBuilder) update(table string, data, where map[string]any) (string, error) {
	qt, _ := quoteIdent(table)
	keys := sortedKeys(data)
	sets := make([]string, len(keys))
	for i, k := range keys {
		col, err := quoteIdent(k)
		if err != nil {
			return "", err
		}
		sets[i] = col + " = " + b.bind(sqlValue(data[k]))
	}
	cond, err := b.where(where)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", qt, strings.Join(sets, ", "), cond), nil
}

func (b *sqlBuilder) delete(table string, where map[string]any) (string, error) {
	qt, _ := quoteIdent(table)
	cond, err := b.where(where)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", qt, cond), nil
}

func (b *sqlBuilder) selectRows(table string, columns []string, where map[string]any, limit int) (string, error) {
	qt, _ := quoteIdent(table)
	sel := "*"
	if len(columns) > 0 {
		cols, err := quoteIdents(columns)
		if err != nil {
			return "", err
		}
		sel = strings.Join(cols, ", ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s", sel, qt)
	if len(where) > 0 {
		cond, err := b.where(where)
		if err != nil {
			return "", err
		}
		query += " WHERE " + cond
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return query, nil
}

// where renders equality conditions joined by AND; nil matches IS NULL.
func (b *sqlBuilder) where(where map[string]any) (string, error) {
	keys := sortedKeys(where)
	conds := make([]string, len(keys))
	for i, k := range keys {
		col, err := quoteIdent(k)
		if err != nil {
			return "", err
		}
		if where[k] == nil {
			conds[i] = col + " IS NULL"
			continue
		}
		conds[i] = col + " = " + b.bind(sqlValue(where[k]))
	}
	return strings.Join(conds, " AND "), nil
}

// sqlValue flattens JSON numbers and nested documents into driver values.
func sqlValue(v any) any {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
		return n
	case map[string]any, []any:
		b, err := json.Marshal(n)
		if err != nil {
			return fmt.Sprint(n)
		}
		return string(b)
	default:
		return v
	}
}

func queryRows(ctx context.Context, db *sql.DB, query string, args []any) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// translateDBError turns constraint violations into readable messages.
func translateDBError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("unique constraint violated: %s already exists (%s)", describeConstraint(pgErr), pgErr.Detail)
		case "23502":
			return fmt.Errorf("missing required value: column %q cannot be null", pgErr.ColumnName)
		case "22P02":
			return fmt.Errorf("invalid value type: %s", pgErr.Message)
		}
		return fmt.Errorf("database error: %s", pgErr.Message)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("unique constraint violated: %s already exists", afterColon(msg, "UNIQUE constraint failed"))
	case strings.Contains(msg, "NOT NULL constraint failed"):
		return fmt.Errorf("missing required value: column %s cannot be null", afterColon(msg, "NOT NULL constraint failed"))
	case strings.Contains(msg, "datatype mismatch"):
		return fmt.Errorf("invalid value type: %s", msg)
	}
	return err
}

func describeConstraint(e *pgconn.PgError) string {
	if e.ConstraintName != "" {
		return e.ConstraintName
	}
	return "value"
}

func afterColon(msg, marker string) string {
	i := strings.Index(msg, marker)
	rest := strings.TrimSpace(strings.TrimPrefix(msg[i+len(marker):], ":"))
	if j := strings.IndexAny(rest, "\n("); j >= 0 {
		rest = strings.TrimSpace(rest[:j])
	}
	return rest
}
