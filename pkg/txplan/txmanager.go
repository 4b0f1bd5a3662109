package txplan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// Propagation decides how a plan's unit of work relates to a transaction
// already carried by the context.
type Propagation uint8

const (
	// Required joins the ambient transaction, or begins one when there is none.
	// A failure while joined marks the ambient transaction rollback-only.
	Required Propagation = iota

	// RequiresNew always begins an independent transaction.
	RequiresNew

	// Nested runs inside a savepoint of the ambient transaction, or begins a
	// transaction when there is none. A failure rolls back to the savepoint
	// and leaves the ambient transaction usable.
	Nested
)

func (p Propagation) String() string {
	switch p {
	case Required:
		return "required"
	case RequiresNew:
		return "requires_new"
	case Nested:
		return "nested"
	default:
		return "invalid"
	}
}

// ParsePropagation parses the String form of a propagation.
func ParsePropagation(s string) (Propagation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "required":
		return Required, nil
	case "requires_new", "requires-new":
		return RequiresNew, nil
	case "nested":
		return Nested, nil
	default:
		return 0, fmt.Errorf("invalid propagation %q (valid: required, requires_new, nested)", s)
	}
}

// TxManager runs fn inside a transaction according to p. fn receives a
// context that carries the transaction, and the querier to run statements
// on. A nil error from fn commits (or releases); any error rolls back.
type TxManager interface {
	InTx(ctx context.Context, p Propagation, fn func(ctx context.Context, q Querier) error) error
}

type txKey struct{}

type txState struct {
	tx           *sql.Tx
	rollbackOnly bool
	savepoints   int
}

// WithTx returns a context carrying tx as the ambient transaction. The
// caller keeps ownership: plans joining it never commit or roll it back,
// but a failing plan marks it rollback-only (see [RollbackOnly]).
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, &txState{tx: tx})
}

// TxFrom returns the ambient transaction carried by ctx.
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok || st == nil {
		return nil, false
	}

	return st.tx, true
}

// RollbackOnly reports whether the ambient transaction of ctx was marked
// rollback-only by a failed plan that joined it.
func RollbackOnly(ctx context.Context) bool {
	st, ok := ctx.Value(txKey{}).(*txState)

	return ok && st != nil && st.rollbackOnly
}

// SQLTxManager implements [TxManager] on a database/sql handle.
type SQLTxManager struct {
	db       *sql.DB
	opts     *sql.TxOptions
	logger   *zap.Logger
	classify func(error) error
}

// SQLTxOption configures a [SQLTxManager].
type SQLTxOption func(*SQLTxManager)

// WithTxOptions sets the options used to begin transactions.
func WithTxOptions(opts *sql.TxOptions) SQLTxOption {
	return func(m *SQLTxManager) { m.opts = opts }
}

// WithTxLogger sets the logger. Default: no-op.
func WithTxLogger(l *zap.Logger) SQLTxOption {
	return func(m *SQLTxManager) { m.logger = l }
}

// WithErrorClassifier sets the function that maps driver errors from
// begin, commit and savepoint statements to [dataerr] sentinels. Use the
// same classifier the steps use so a deferred constraint failing at commit
// reports [dataerr.ErrConstraint]. Default: everything is [dataerr.ErrQuery].
func WithErrorClassifier(fn func(error) error) SQLTxOption {
	return func(m *SQLTxManager) { m.classify = fn }
}

// NewSQLTxManager returns a transaction manager for db.
func NewSQLTxManager(db *sql.DB, opts ...SQLTxOption) *SQLTxManager {
	m := &SQLTxManager{db: db, logger: zap.NewNop(), classify: asQueryError}
	for _, opt := range opts {
		opt(m)
	}

	if m.classify == nil {
		m.classify = asQueryError
	}

	return m
}

func asQueryError(err error) error {
	if dataerr.KindOf(err) != dataerr.KindUnknown {
		return err
	}

	return fmt.Errorf("%w: %w", dataerr.ErrQuery, err)
}

// InTx implements [TxManager].
func (m *SQLTxManager) InTx(ctx context.Context, p Propagation, fn func(ctx context.Context, q Querier) error) error {
	st, _ := ctx.Value(txKey{}).(*txState)

	switch {
	case p == RequiresNew || st == nil:
		return m.begin(ctx, fn)
	case p == Nested:
		return m.savepoint(ctx, st, fn)
	default:
		err := fn(ctx, st.tx)
		if err != nil {
			st.rollbackOnly = true
		}

		return err
	}
}

func (m *SQLTxManager) begin(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		classified := m.classify(fmt.Errorf("begin: %w", err))
		if errors.Is(classified, dataerr.ErrConflict) || errors.Is(classified, dataerr.ErrConnection) {
			return classified
		}

		return fmt.Errorf("%w: begin: %w", dataerr.ErrConnection, err)
	}

	committed := false

	defer func() {
		if !committed {
			rbErr := tx.Rollback()
			if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				m.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	st := &txState{tx: tx}

	err = fn(context.WithValue(ctx, txKey{}, st), tx)
	if err != nil {
		return err
	}

	if st.rollbackOnly {
		return ErrRollbackOnly
	}

	err = tx.Commit()
	if err != nil {
		return m.classify(fmt.Errorf("commit: %w", err))
	}

	// Important: if not set, the deferred rollback runs.
	committed = true

	return nil
}

func (m *SQLTxManager) savepoint(ctx context.Context, st *txState, fn func(ctx context.Context, q Querier) error) error {
	st.savepoints++
	name := fmt.Sprintf("txplan_sp_%d", st.savepoints)

	_, err := st.tx.ExecContext(ctx, "SAVEPOINT "+name)
	if err != nil {
		return m.classify(fmt.Errorf("savepoint: %w", err))
	}

	err = fn(ctx, st.tx)
	if err != nil {
		_, rbErr := st.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
		if rbErr != nil {
			st.rollbackOnly = true

			m.logger.Warn("rollback to savepoint failed", zap.String("savepoint", name), zap.Error(rbErr))
		}

		return err
	}

	_, err = st.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	if err != nil {
		return m.classify(fmt.Errorf("release savepoint: %w", err))
	}

	return nil
}
