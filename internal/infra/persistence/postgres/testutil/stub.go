// Package testutil provides a stub database/sql driver understanding the small
// statement vocabulary of the postgres record store.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var stubSeq atomic.Uint64

// StubConn records statements and keeps tables as id → JSON payload maps.
// Transactions snapshot the tables on begin and restore them on rollback.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string]map[string]string
	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	FailTables map[string]bool
	RowsErr    error
	Pings      int
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string]map[string]string)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// Seed stores a raw payload for id in table (schema-qualified, unquoted).
func (c *StubConn) Seed(table, id, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Tables[table] == nil {
		c.Tables[table] = make(map[string]string)
	}
	c.Tables[table][id] = payload
}

// Rows returns a copy of table contents.
func (c *StubConn) Rows(table string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.Tables[table]))
	for k, v := range c.Tables[table] {
		out[k] = v
	}
	return out
}

// ExecCount returns how many statements were executed.
func (c *StubConn) ExecCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Execs)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pings++
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c, saved: cloneTables(c.Tables)}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "CREATE"):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO"):
		table := tableAfter(query, "INTO ")
		if c.FailTables[table] {
			return nil, fmt.Errorf("exec fail for %s", table)
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("expected id and payload args, got %d", len(args))
		}
		if c.Tables[table] == nil {
			c.Tables[table] = make(map[string]string)
		}
		c.Tables[table][asString(args[0].Value)] = asString(args[1].Value)
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(upper, "DELETE FROM"):
		table := tableAfter(query, "FROM ")
		if c.FailTables[table] {
			return nil, fmt.Errorf("exec fail for %s", table)
		}
		if strings.Contains(upper, " WHERE ") {
			if len(args) == 0 {
				return nil, fmt.Errorf("missing args for delete %s", table)
			}
			delete(c.Tables[table], asString(args[0].Value))
			return driver.RowsAffected(1), nil
		}
		n := len(c.Tables[table])
		delete(c.Tables, table)
		return driver.RowsAffected(n), nil
	}
	return nil, fmt.Errorf("unsupported statement: %s", query)
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	upper := strings.ToUpper(strings.TrimSpace(query))
	if !strings.HasPrefix(upper, "SELECT") {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	table := tableAfter(query, "FROM ")
	if c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	rows := c.Tables[table]
	if strings.Contains(upper, " WHERE ") {
		if len(args) == 0 {
			return nil, fmt.Errorf("missing args for select %s", table)
		}
		id := asString(args[0].Value)
		out := &stubRows{cols: []string{"payload"}, err: c.RowsErr}
		if payload, ok := rows[id]; ok {
			out.rows = [][]driver.Value{{[]byte(payload)}}
		}
		return out, nil
	}
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := &stubRows{cols: []string{"id", "payload"}, err: c.RowsErr}
	for _, id := range ids {
		out.rows = append(out.rows, []driver.Value{id, []byte(rows[id])})
	}
	return out, nil
}

type stubTx struct {
	conn  *StubConn
	saved map[string]map[string]string
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		t.conn.Tables = t.saved
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.Tables = t.saved
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

// tableAfter extracts the table token following keyword, dropping quotes and
// any column list.
func tableAfter(query, keyword string) string {
	idx := strings.Index(strings.ToUpper(query), keyword)
	if idx == -1 {
		return ""
	}
	rest := strings.TrimSpace(query[idx+len(keyword):])
	end := strings.IndexAny(rest, " (\n\t")
	if end != -1 {
		rest = rest[:end]
	}
	return strings.ToLower(strings.ReplaceAll(rest, `"`, ""))
}

func asString(v driver.Value) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func cloneTables(in map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(in))
	for table, rows := range in {
		cp := make(map[string]string, len(rows))
		for k, v := range rows {
			cp[k] = v
		}
		out[table] = cp
	}
	return out
}
