// Package migrate applies a rendered Plan (or hand-registered
// migrations carrying their own backfill logic) to a live database
// inside a single advisory-locked session, tracking what has already
// run in a reserved state table (§4.5).
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cloudflare/backoff"
	"github.com/fatih/color"
	"github.com/lib/pq"

	"github.com/dibs-project/dibs/dibserrors"
)

// advisoryLockKey is the fixed session-level advisory lock dibs holds
// for the duration of a migration run, so two runners never apply
// migrations concurrently against the same database (§5). The bytes
// spell "dibs" followed by a version tag.
const advisoryLockKey int64 = 0x6469627300000001

const (
	lockNotAvailable pq.ErrorCode = "55P03"
	maxBackoff                    = time.Minute
	backoffInterval               = time.Second
)

const stateTable = "__dibs_migrations"

const bootstrapSQL = `CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
	version text PRIMARY KEY,
	applied_at timestamptz NOT NULL DEFAULT now()
)`

// RunContext is what a registered Migration's Run function is given to
// interact with the database under the runner's transaction and
// timeout policy.
type RunContext struct {
	ctx context.Context
	tx  *sql.Tx
}

// Execute runs a single SQL statement against the in-flight migration
// transaction.
func (rc *RunContext) Execute(sql string, args ...any) error {
	if err := rc.ctx.Err(); err != nil {
		return err
	}
	_, err := rc.tx.ExecContext(rc.ctx, sql, args...)
	if err != nil {
		return wrapExecErr(sql, err)
	}
	return nil
}

// Backfill repeatedly runs body until it reports zero affected rows,
// for data migrations that must touch existing rows in batches rather
// than a single statement (§4.5, §8 soft-migration-with-backfill).
// body is expected to return the number of rows it affected.
func (rc *RunContext) Backfill(body func(ctx context.Context, tx *sql.Tx) (int64, error)) error {
	for {
		if err := rc.ctx.Err(); err != nil {
			return err
		}
		n, err := body(rc.ctx, rc.tx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func wrapExecErr(sqlText string, err error) error {
	ctx := dibserrors.Context{SQL: sqlText}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		ctx.SQLState = string(pqErr.Code)
	}
	return dibserrors.Execution("executing migration statement", err, ctx)
}

// Migration is one registered unit of work: a version (format
// YYYY-MM-DD-<slug>, §6) and a function that performs it against a
// RunContext.
type Migration struct {
	Version string
	Run     func(ctx context.Context, rc *RunContext) error
}

// Runner tracks registered migrations and applies whichever of them
// have not yet run against db, in version order, inside a single
// advisory-locked session (§4.5, §5).
type Runner struct {
	DB               *sql.DB
	Migrations       []Migration
	Verbose          bool
	StatementTimeout time.Duration
}

// RegisterPlan wraps a rendered set of DDL statements (render.Render's
// output) as a single Migration under version, so a solved Plan can be
// applied through the same tracked, locked, transactional path as any
// hand-written migration.
func (r *Runner) RegisterPlan(version string, statements []string) {
	stmts := append([]string(nil), statements...)
	r.Register(Migration{
		Version: version,
		Run: func(ctx context.Context, rc *RunContext) error {
			for _, stmt := range stmts {
				if err := rc.Execute(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// Register adds m to the runner's set of known migrations. Registering
// the same version twice is a programming error; it is not checked
// here since migrations are normally registered once at startup from a
// fixed list.
func (r *Runner) Register(m Migration) {
	r.Migrations = append(r.Migrations, m)
}

// Bootstrap creates the applied-migrations state table if it does not
// already exist.
func (r *Runner) Bootstrap(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, bootstrapSQL); err != nil {
		return dibserrors.State("bootstrapping migration state table", err)
	}
	return nil
}

// Applied returns the versions recorded as already applied.
func (r *Runner) Applied(ctx context.Context) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version FROM `+stateTable)
	if err != nil {
		return nil, dibserrors.State("reading applied migrations", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, dibserrors.State("scanning applied migration row", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, dibserrors.State("reading applied migrations", err)
	}
	return applied, nil
}

// Pending returns registered migrations not yet applied, sorted by
// version.
func (r *Runner) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}

	pending := make([]Migration, 0, len(r.Migrations))
	for _, m := range r.Migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })
	return pending, nil
}

// ApplyPending bootstraps the state table, acquires the session
// advisory lock (retrying on lock_not_available with backoff, per
// pg_advisory_lock's blocking behavior under contention), and applies
// every pending migration in turn, each in its own transaction that
// also records the __dibs_migrations row (§4.5). It stops and returns
// an error at the first failing migration; migrations already
// committed stay applied.
func (r *Runner) ApplyPending(ctx context.Context) error {
	if err := r.Bootstrap(ctx); err != nil {
		return err
	}

	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return dibserrors.State("acquiring connection for migration run", err)
	}
	defer conn.Close()

	if err := acquireLock(ctx, conn); err != nil {
		return err
	}
	defer releaseLock(ctx, conn)

	pending, err := r.Pending(ctx)
	if err != nil {
		return err
	}

	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Verbose {
			_, _ = color.New(color.FgCyan).Fprintf(os.Stderr, "  [%d/%d] applying %s\n", i+1, len(pending), m.Version)
		}
		if err := r.applyOne(ctx, m); err != nil {
			if r.Verbose {
				_, _ = color.New(color.FgRed).Fprintf(os.Stderr, "    failed: %v\n", err)
			}
			return err
		}
		if r.Verbose {
			_, _ = color.New(color.FgGreen).Fprintf(os.Stderr, "    applied\n")
		}
	}
	return nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return dibserrors.State("beginning migration transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", r.StatementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return dibserrors.State("setting statement timeout", err)
		}
	}

	rc := &RunContext{ctx: ctx, tx: tx}
	if err := m.Run(ctx, rc); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+stateTable+` (version) VALUES ($1)`, m.Version,
	); err != nil {
		return dibserrors.State("recording applied migration", err)
	}

	if err := tx.Commit(); err != nil {
		return dibserrors.State("committing migration transaction", err)
	}
	return nil
}

// acquireLock takes the session-level advisory lock, retrying with
// exponential backoff (mirroring the retry pattern the ecosystem uses
// for Postgres's lock_not_available SQLSTATE) rather than surfacing a
// transient contention error to the caller.
func acquireLock(ctx context.Context, conn *sql.Conn) error {
	b := backoff.New(maxBackoff, backoffInterval)
	for {
		_, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey)
		if err == nil {
			return nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailable {
			if werr := sleepCtx(ctx, b.Duration()); werr != nil {
				return werr
			}
			continue
		}
		return dibserrors.State("acquiring migration advisory lock", err)
	}
}

func releaseLock(ctx context.Context, conn *sql.Conn) {
	_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
