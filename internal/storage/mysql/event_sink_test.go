package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"task-processor/internal/task"
)

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	applied, err := runMigrations(context.Background(), db, embeddedMigrations)
	if err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0001" {
		t.Fatalf("unexpected applied versions: %v", applied)
	}
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	applied, err := runMigrations(context.Background(), db, embeddedMigrations)
	if err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied, got %v", applied)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(createMigrationsTableSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		{typ: opExec, query: readMigrationStatement(), err: errors.New("syntax error")},
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := runMigrations(context.Background(), db, embeddedMigrations); err == nil {
		t.Fatalf("expected migration failure")
	}
}

func TestLoadMigrationsOrdersAndStripsComments(t *testing.T) {
	source := fstest.MapFS{
		"0002_add_index.sql": {Data: []byte("-- speeds up lookups\nCREATE INDEX idx_a ON task_events (name);")},
		"0001_create.sql":    {Data: []byte("CREATE TABLE a (id INT);\n-- trailing note\nCREATE TABLE b (id INT);")},
		"0003_comments.sql":  {Data: []byte("-- nothing to run\n")},
		"README.md":          {Data: []byte("not a migration")},
	}

	loaded, err := loadMigrations(source)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(loaded))
	}
	if loaded[0].version != "0001" || loaded[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", loaded[0].version, loaded[1].version)
	}
	if len(loaded[0].statements) != 2 {
		t.Fatalf("expected 2 statements, got %v", loaded[0].statements)
	}
	if got := loaded[1].statements[0]; got != "CREATE INDEX idx_a ON task_events (name)" {
		t.Fatalf("comment not stripped: %q", got)
	}
}

func TestLoadMigrationsRejectsDuplicateVersions(t *testing.T) {
	source := fstest.MapFS{
		"0001_create.sql": {Data: []byte("CREATE TABLE a (id INT);")},
		"0001_again.sql":  {Data: []byte("CREATE TABLE b (id INT);")},
	}
	if _, err := loadMigrations(source); err == nil {
		t.Fatalf("expected duplicate version error")
	}
}

func TestEventSinkSend(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertEventSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	sink := &EventSink{db: db, now: func() time.Time { return time.UnixMilli(1700000000000) }}
	message := "random error during processing"
	event := task.Event{
		TaskID: "t-1",
		Task: task.Task{
			ID:           "t-1",
			Name:         "report",
			Status:       task.StatusFailed,
			Priority:     task.PriorityHigh,
			DurationMS:   50,
			ErrorMessage: &message,
		},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	args := driver.lastArgs()
	if len(args) != 8 {
		t.Fatalf("expected 8 args, got %d", len(args))
	}
	if args[0] != "t-1" || args[2] != "Failed" || args[3] != "high" {
		t.Fatalf("unexpected args: %+v", args)
	}
	if args[5] != message {
		t.Fatalf("expected error message arg, got %v", args[5])
	}
	if args[7] != int64(1700000000000) {
		t.Fatalf("unexpected occurred_at: %v", args[7])
	}
}

func TestEventSinkSendWrapsDriverError(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertEventSQL, err: errors.New("connection reset")},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	sink := &EventSink{db: db, now: time.Now}
	err := sink.Send(context.Background(), task.Event{TaskID: "t-2", Task: task.Task{ID: "t-2", Status: task.StatusPending}})
	if err == nil || !strings.Contains(err.Error(), "STORAGE_FAILURE") {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func readMigrationStatement() string {
	content, err := fs.ReadFile(embeddedMigrations, "0001_create_task_events.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops  []mockOperation
	idx  int32
	args atomic.Value
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) lastArgs() []driver.Value {
	args, _ := d.args.Load().([]driver.Value)
	return args
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	c.driver.args.Store(values)
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
