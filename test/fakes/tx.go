// Package fakes holds in-memory stand-ins for the PostgreSQL-backed
// repositories so engine tests run without a database.
package fakes

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out Tx values and counts their outcomes.
type Pool struct {
	mu         sync.Mutex
	Begun      int
	Committed  int
	RolledBack int
	BeginErr   error

	statements []string
}

func (p *Pool) Begin(ctx context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	p.Begun++
	return &Tx{pool: p}, nil
}

func (p *Pool) Stats() (begun, committed, rolledBack int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Begun, p.Committed, p.RolledBack
}

// Statements lists the session statements executed so far.
func (p *Pool) Statements() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statements...)
}

// Tx applies writes eagerly and keeps an undo log. Rollback replays the undo
// log in reverse; Commit runs the deferred commit hooks. Both release the
// row locks taken through Locks.
type Tx struct {
	pool      *Pool
	mu        sync.Mutex
	undo      []func()
	onCommit  []func()
	release   []func()
	done      bool
	CommitErr error
}

func (t *Tx) OnRollback(fn func()) {
	t.mu.Lock()
	t.undo = append(t.undo, fn)
	t.mu.Unlock()
}

func (t *Tx) OnCommit(fn func()) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

func (t *Tx) onEnd(fn func()) {
	t.mu.Lock()
	t.release = append(t.release, fn)
	t.mu.Unlock()
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	if t.CommitErr != nil {
		t.mu.Unlock()
		return t.CommitErr
	}
	t.done = true
	hooks, release := t.onCommit, t.release
	t.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	for _, fn := range release {
		fn()
	}
	t.pool.mu.Lock()
	t.pool.Committed++
	t.pool.mu.Unlock()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.done = true
	undo, release := t.undo, t.release
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	for _, fn := range release {
		fn()
	}
	t.pool.mu.Lock()
	t.pool.RolledBack++
	t.pool.mu.Unlock()
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakes: nested transactions are not supported")
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

// Exec accepts session statements such as SET LOCAL.
func (t *Tx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.pool.mu.Lock()
	t.pool.statements = append(t.pool.statements, sql)
	t.pool.mu.Unlock()
	return pgconn.CommandTag{}, nil
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *Tx) Conn() *pgx.Conn {
	return nil
}

// Locks emulates SELECT ... FOR UPDATE: one owner per key, re-entrant within
// a transaction, released when the transaction ends.
type Locks struct {
	mu     sync.Mutex
	cond   *sync.Cond
	owners map[string]*Tx
}

func (l *Locks) Acquire(tx pgx.Tx, key string) {
	ftx, ok := tx.(*Tx)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
		l.owners = make(map[string]*Tx)
	}
	for {
		owner, held := l.owners[key]
		if held && owner == ftx {
			return
		}
		if !held {
			l.owners[key] = ftx
			ftx.onEnd(func() { l.release(key, ftx) })
			return
		}
		l.cond.Wait()
	}
}

func (l *Locks) release(key string, tx *Tx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owners[key] == tx {
		delete(l.owners, key)
	}
	l.cond.Broadcast()
}

// undo registers fn with tx when it is a fake transaction.
func undo(tx pgx.Tx, fn func()) {
	if ftx, ok := tx.(*Tx); ok {
		ftx.OnRollback(fn)
	}
}

// afterCommit runs fn on commit, or immediately outside a fake transaction.
func afterCommit(tx pgx.Tx, fn func()) {
	if ftx, ok := tx.(*Tx); ok {
		ftx.OnCommit(fn)
		return
	}
	fn()
}
