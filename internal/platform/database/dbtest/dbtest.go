// Package dbtest provides testify mocks of the pgx pool and transaction for
// repository tests, plus canned rows to answer queries with.
package dbtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
)

// MockDB simulates the connection pool. Query methods are recorded as
// (sql, args) so expectations can match on a statement fragment.
type MockDB struct {
	mock.Mock
}

func (m *MockDB) Begin(ctx context.Context) (pgx.Tx, error) {
	args := m.Called()
	tx, _ := args.Get(0).(pgx.Tx)
	return tx, args.Error(1)
}

func (m *MockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ret := m.Called(sql, args)
	return ret.Get(0).(pgconn.CommandTag), ret.Error(1)
}

func (m *MockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ret := m.Called(sql, args)
	rows, _ := ret.Get(0).(pgx.Rows)
	return rows, ret.Error(1)
}

func (m *MockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.Called(sql, args).Get(0).(pgx.Row)
}

// MockTx simulates a transaction. Methods the repositories never call fall
// through to the nil embedded pgx.Tx.
type MockTx struct {
	pgx.Tx
	mock.Mock
}

func (m *MockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ret := m.Called(sql, args)
	return ret.Get(0).(pgconn.CommandTag), ret.Error(1)
}

func (m *MockTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ret := m.Called(sql, args)
	rows, _ := ret.Get(0).(pgx.Rows)
	return rows, ret.Error(1)
}

func (m *MockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return m.Called(sql, args).Get(0).(pgx.Row)
}

func (m *MockTx) Commit(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *MockTx) Rollback(ctx context.Context) error {
	return m.Called().Error(0)
}

// NewTx wires a MockTx into db.Begin. pgx.BeginFunc always rolls back after
// the callback, so Rollback is allowed any number of times.
func NewTx(db *MockDB) *MockTx {
	tx := new(MockTx)
	db.On("Begin").Return(tx, nil).Maybe()
	tx.On("Rollback").Return(pgx.ErrTxClosed).Maybe()
	return tx
}

// SQL matches a statement containing fragment.
func SQL(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}

// Args matches the statement arguments with fn. testify tries every
// expectation against each call, so fn may see argument lists of other
// statements; an index out of range counts as no match.
func Args(fn func(args []any) bool) any {
	return mock.MatchedBy(func(args []any) (ok bool) {
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		return fn(args)
	})
}

// Tag builds a command tag such as "UPDATE 1" or "INSERT 0 0".
func Tag(s string) pgconn.CommandTag {
	return pgconn.NewCommandTag(s)
}

// Row answers QueryRow with one row of values, or with err.
type Row struct {
	values []any
	err    error
}

func NewRow(values ...any) *Row {
	return &Row{values: values}
}

func ErrRow(err error) *Row {
	return &Row{err: err}
}

func (r *Row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

// Rows answers Query with a fixed result set.
type Rows struct {
	pgx.Rows
	values [][]any
	pos    int
	closed bool
}

func NewRows(values ...[]any) *Rows {
	return &Rows{values: values}
}

func (r *Rows) Next() bool {
	if r.closed || r.pos >= len(r.values) {
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Scan(dest ...any) error {
	if r.pos == 0 {
		return fmt.Errorf("dbtest: Scan called before Next")
	}
	return scanInto(r.values[r.pos-1], dest)
}

func (r *Rows) Close() {
	r.closed = true
}

func (r *Rows) Err() error {
	return nil
}

func scanInto(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("dbtest: row has %d values, scan wants %d", len(values), len(dest))
	}
	for i := range dest {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("dbtest: destination %d is not a pointer", i)
		}
		if err := assign(target.Elem(), values[i]); err != nil {
			return fmt.Errorf("dbtest: column %d: %w", i, err)
		}
	}
	return nil
}

func assign(target reflect.Value, value any) error {
	if value == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	switch {
	case v.Type().AssignableTo(target.Type()):
		target.Set(v)
	case target.Kind() == reflect.Pointer && v.Type().AssignableTo(target.Type().Elem()):
		p := reflect.New(target.Type().Elem())
		p.Elem().Set(v)
		target.Set(p)
	case v.Kind() == target.Kind() && v.Type().ConvertibleTo(target.Type()):
		target.Set(v.Convert(target.Type()))
	case isInteger(v.Kind()) && isInteger(target.Kind()):
		target.Set(v.Convert(target.Type()))
	default:
		return fmt.Errorf("cannot scan %T into %s", value, target.Type())
	}
	return nil
}

func isInteger(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}
