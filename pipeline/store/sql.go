package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrContention marks a transaction that failed because another writer held
// the lock or won the race. Callers retry these; see IsContention.
var ErrContention = errors.New("store contention")

// IsContention reports whether err was caused by lock contention and is safe to retry.
func IsContention(err error) bool {
	return errors.Is(err, ErrContention)
}

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	name string

	// dollarParams rewrites ? placeholders to $1..$n.
	dollarParams bool

	// returningID inserts runs with RETURNING run_id instead of LastInsertId.
	returningID bool

	// rowLock is appended to selects that must lock the selected run row.
	rowLock string

	// claimLock is appended to the gap selection query.
	claimLock string

	migrations map[int][]string

	isDuplicate  func(error) bool
	isContention func(error) bool
}

// SQLStore implements Store on top of database/sql.
//
// The same query set serves SQLite, MySQL and PostgreSQL; the dialect only
// changes placeholders, DDL and row locking. Step timestamps are stored as
// unix nanoseconds so ordering checks keep full precision on every backend.
type SQLStore struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{
		db:     db,
		d:      d,
		logger: logger.With("module", "store", "driver", d.name),
		now:    time.Now,
	}
	migrator := NewMigrationManager(s.logger, db, d.migrations, s.q)
	if err := migrator.RunMigrations(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Driver returns the name of the SQL backend.
func (s *SQLStore) Driver() string { return s.d.name }

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// q rewrites a query written with ? placeholders for the active dialect.
func (s *SQLStore) q(query string) string {
	if !s.d.dollarParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back on
// any error. Lock conflicts are reported wrapped in ErrContention.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback() // Ignore rollback error when already returning error
		}
	}()

	if err = fn(tx); err != nil {
		return s.classify(err)
	}
	if err = tx.Commit(); err != nil {
		return s.classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *SQLStore) classify(err error) error {
	if err == nil || errors.Is(err, ErrContention) {
		return err
	}
	if s.d.isContention != nil && s.d.isContention(err) {
		return fmt.Errorf("%w: %w", ErrContention, err)
	}
	return err
}

const runColumns = `run_id, protocol_name, run_name, run_state, script, comment, run_group, pid, init, last_modified`

const stepColumns = `s.run_id, s.step_id, s.command, s.parameters, s.verify_files, s.iter,
	s.execute_mainloop, s.pass_context, s.init, s.finish, s.parent_step_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                 Run
		state             int
		created, modified int64
	)
	err := row.Scan(&r.ID, &r.Protocol, &r.Name, &state, &r.Script, &r.Comment, &r.Group, &r.PID, &created, &modified)
	if err != nil {
		return Run{}, err
	}
	r.State = RunState(state)
	r.CreatedAt = time.Unix(0, created)
	r.UpdatedAt = time.Unix(0, modified)
	return r, nil
}

func scanStep(row scanner) (Step, error) {
	var (
		st                Step
		started, finished sql.NullInt64
	)
	err := row.Scan(&st.RunID, &st.ID, &st.Command, &st.Params, &st.VerifyFiles, &st.Iteration,
		&st.MainLoop, &st.PassContext, &started, &finished, &st.ParentID)
	if err != nil {
		return Step{}, err
	}
	st.StartedAt = fromNanos(started)
	st.FinishedAt = fromNanos(finished)
	return st, nil
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

// CreateRun implements Store.
func (s *SQLStore) CreateRun(ctx context.Context, r Run) (int64, error) {
	now := s.now().UnixNano()
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{r.Protocol, r.Name, int(r.State), r.Script, r.Comment, r.Group, r.PID, now, now}
		query := `INSERT INTO runs (protocol_name, run_name, run_state, script, comment, run_group, pid, init, last_modified, step_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`

		if s.d.returningID {
			return tx.QueryRowContext(ctx, s.q(query+" RETURNING run_id"), args...).Scan(&id)
		}
		res, err := tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if s.d.isDuplicate(err) {
			return 0, ErrDuplicateRun
		}
		return 0, fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// GetRun implements Store.
func (s *SQLStore) GetRun(ctx context.Context, runID int64) (Run, error) {
	if err := s.checkOpen(); err != nil {
		return Run{}, err
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`), runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run: %w", err)
	}
	return r, nil
}

// ListRuns implements Store.
func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.Group != "" {
		where = append(where, "run_group = ?")
		args = append(args, filter.Group)
	}
	if filter.Protocol != "" {
		where = append(where, "protocol_name = ?")
		args = append(args, filter.Protocol)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY run_id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// UpdateRunState implements Store.
func (s *SQLStore) UpdateRunState(ctx context.Context, runID int64, to RunState, pid int, from ...RunState) (Run, error) {
	var updated Run

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`+s.d.rowLock), runID)
		current, err := scanRun(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}
		if !stateIn(current.State, from) {
			updated = current
			return ErrInvalidTransition
		}

		now := s.now()
		if pid < 0 {
			pid = current.PID
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE runs SET run_state = ?, pid = ?, last_modified = ? WHERE run_id = ?`),
			int(to), pid, now.UnixNano(), runID)
		if err != nil {
			return fmt.Errorf("failed to update run state: %w", err)
		}

		updated = current
		updated.State = to
		updated.PID = pid
		updated.UpdatedAt = now
		return nil
	})
	return updated, err
}

// DeleteRun implements Store.
func (s *SQLStore) DeleteRun(ctx context.Context, runID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Steps go first so the delete does not depend on foreign key enforcement.
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM steps WHERE run_id = ?`), runID); err != nil {
			return fmt.Errorf("failed to delete steps: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM runs WHERE run_id = ?`), runID)
		if err != nil {
			return fmt.Errorf("failed to delete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendStep implements Store.
func (s *SQLStore) AppendStep(ctx context.Context, st Step) (int64, error) {
	var id int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE runs SET step_seq = step_seq + 1, last_modified = ? WHERE run_id = ?`),
			s.now().UnixNano(), st.RunID)
		if err != nil {
			return fmt.Errorf("failed to advance step sequence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if err := tx.QueryRowContext(ctx, s.q(`SELECT step_seq FROM runs WHERE run_id = ?`), st.RunID).Scan(&id); err != nil {
			return fmt.Errorf("failed to read step sequence: %w", err)
		}

		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO steps
			(run_id, step_id, command, parameters, verify_files, iter, execute_mainloop, pass_context, init, finish, parent_step_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`),
			st.RunID, id, st.Command, st.Params, st.VerifyFiles, st.Iteration, st.MainLoop, st.PassContext, st.ParentID)
		if err != nil {
			return fmt.Errorf("failed to insert step: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetStep implements Store.
func (s *SQLStore) GetStep(ctx context.Context, runID, stepID int64) (Step, error) {
	if err := s.checkOpen(); err != nil {
		return Step{}, err
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+stepColumns+` FROM steps s WHERE s.run_id = ? AND s.step_id = ?`), runID, stepID)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, fmt.Errorf("failed to load step: %w", err)
	}
	return st, nil
}

// ListSteps implements Store.
func (s *SQLStore) ListSteps(ctx context.Context, runID int64) ([]Step, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+stepColumns+` FROM steps s WHERE s.run_id = ? ORDER BY s.step_id`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// TruncateSteps implements Store.
func (s *SQLStore) TruncateSteps(ctx context.Context, runID, fromStepID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM steps WHERE run_id = ? AND step_id >= ?`), runID, fromStepID); err != nil {
			return fmt.Errorf("failed to truncate steps: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE runs SET step_seq = CASE WHEN step_seq > ? THEN ? ELSE step_seq END, last_modified = ? WHERE run_id = ?`),
			fromStepID-1, fromStepID-1, s.now().UnixNano(), runID)
		if err != nil {
			return fmt.Errorf("failed to rewind step sequence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ClearSteps implements Store.
func (s *SQLStore) ClearSteps(ctx context.Context, runID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE runs SET last_modified = ? WHERE run_id = ?`), s.now().UnixNano(), runID)
		if err != nil {
			return fmt.Errorf("failed to touch run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM steps WHERE run_id = ?`), runID); err != nil {
			return fmt.Errorf("failed to clear steps: %w", err)
		}
		return nil
	})
}

// ResetUnfinishedMainLoop implements Store.
func (s *SQLStore) ResetUnfinishedMainLoop(ctx context.Context, runID int64) error {
	return s.resetUnfinished(ctx, runID, true)
}

// ResetUnfinishedGaps implements Store.
func (s *SQLStore) ResetUnfinishedGaps(ctx context.Context, runID int64) error {
	return s.resetUnfinished(ctx, runID, false)
}

func (s *SQLStore) resetUnfinished(ctx context.Context, runID int64, mainLoop bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`UPDATE steps SET init = NULL
			WHERE run_id = ? AND execute_mainloop = ? AND finish IS NULL AND init IS NOT NULL`), runID, mainLoop)
		if err != nil {
			return fmt.Errorf("failed to reset unfinished steps: %w", err)
		}
		return nil
	})
}

// NextMainLoopStep implements Store.
func (s *SQLStore) NextMainLoopStep(ctx context.Context, runID int64) (Step, error) {
	if err := s.checkOpen(); err != nil {
		return Step{}, err
	}
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+stepColumns+` FROM steps s
		WHERE s.run_id = ? AND s.execute_mainloop = ? AND s.finish IS NULL
		ORDER BY s.step_id LIMIT 1`), runID, true)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, fmt.Errorf("failed to load next main-loop step: %w", err)
	}
	return st, nil
}

// MarkStepStarted implements Store.
func (s *SQLStore) MarkStepStarted(ctx context.Context, runID, stepID int64, at time.Time) error {
	return s.markStep(ctx, "init", runID, stepID, at)
}

// MarkStepFinished implements Store.
func (s *SQLStore) MarkStepFinished(ctx context.Context, runID, stepID int64, at time.Time) error {
	return s.markStep(ctx, "finish", runID, stepID, at)
}

func (s *SQLStore) markStep(ctx context.Context, column string, runID, stepID int64, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE steps SET `+column+` = ? WHERE run_id = ? AND step_id = ?`),
			at.UnixNano(), runID, stepID)
		if err != nil {
			return fmt.Errorf("failed to set step %s: %w", column, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ClaimGap implements Store.
//
// The run state check, the eligibility select and the StartedAt update share
// one transaction. MySQL and PostgreSQL additionally lock the candidate row
// with SKIP LOCKED; SQLite serializes writers with an immediate transaction.
// The conditional update is the final guard: a lost race is reported as
// contention so the caller retries.
func (s *SQLStore) ClaimGap(ctx context.Context, runID, stepID int64, at time.Time) (Step, ClaimStatus, error) {
	var (
		claimed Step
		status  = ClaimNoGapAvailable
	)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state int
		err := tx.QueryRowContext(ctx, s.q(`SELECT run_state FROM runs WHERE run_id = ?`), runID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check run state: %w", err)
		}
		switch rs := RunState(state); {
		case rs.Terminal():
			status = ClaimNoMoreGaps
			return nil
		case rs != StateStarted:
			return nil
		}

		query := `SELECT ` + stepColumns + ` FROM steps s
			LEFT JOIN steps p ON p.run_id = s.run_id AND p.step_id = s.parent_step_id
			WHERE s.run_id = ? AND s.execute_mainloop = ? AND s.init IS NULL
			AND (s.parent_step_id = 0 OR p.finish IS NOT NULL)
			AND s.step_id < COALESCE((SELECT MIN(m.step_id) FROM steps m
				WHERE m.run_id = ? AND m.execute_mainloop = ? AND m.finish IS NULL), ?)`
		args := []any{runID, false, runID, true, int64(math.MaxInt64)}
		if stepID != 0 {
			query += ` AND s.step_id = ?`
			args = append(args, stepID)
		}
		query += ` ORDER BY s.step_id LIMIT 1` + s.d.claimLock

		candidate, err := scanStep(tx.QueryRowContext(ctx, s.q(query), args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select gap step: %w", err)
		}

		if at.IsZero() {
			at = s.now()
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE steps SET init = ? WHERE run_id = ? AND step_id = ? AND init IS NULL`),
			at.UnixNano(), runID, candidate.ID)
		if err != nil {
			return fmt.Errorf("failed to claim gap step: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: step %d claimed concurrently", ErrContention, candidate.ID)
		}

		started := at
		candidate.StartedAt = &started
		claimed = candidate
		status = ClaimGapFound
		return nil
	})
	if err != nil {
		return Step{}, ClaimNoGapAvailable, err
	}
	return claimed, status, nil
}

// PendingGaps implements Store.
func (s *SQLStore) PendingGaps(ctx context.Context, runID int64) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM steps WHERE run_id = ? AND execute_mainloop = ? AND finish IS NULL`),
		runID, false).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending gaps: %w", err)
	}
	return n, nil
}

// Progress implements Store.
func (s *SQLStore) Progress(ctx context.Context, runID int64) (int, int, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return 0, 0, err
	}
	var done, total int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(finish), COUNT(*) FROM steps WHERE run_id = ?`), runID).Scan(&done, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute progress: %w", err)
	}
	return done, total, nil
}

// Ping verifies the database connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
//
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
