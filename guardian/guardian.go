/*
Package guardian repairs legacy data and installs uniqueness constraints.

PURPOSE:
  Databases created before code columns were unique may hold duplicate
  codes, rows without updated_at, NULL active flags and empty codes. The
  guardian runs once at startup, fixes what it can, and never stops the
  server from starting.

PASS:
  1. Backfill   add missing columns, fill NULLs, give empty codes LEGACY-{id}
  2. Dedup      per code table, keep one survivor per code and delete the
                rest with their child rows, one database transaction per group
  3. Index      CREATE UNIQUE INDEX; when it fails the table is reported and
                skipped

SURVIVOR:
  active first, then most recent updated_at (NULL last), then lowest id.

CASCADE:
  A removed row takes with it everything that only makes sense beside it:

  stock operation      its lines and conversions, the reversal operations
                       that undo it, and the ledger rows all of those wrote
                       (deactivated, so stock stops counting them)
  ledger transaction   its lines; reversal transactions pointing at it are
                       deactivated
  transfer request     its conversions

  References from surviving rows to removed ones are cleared. A transfer
  whose operation was removed is re-linked to the survivor when the
  survivor was applied for that transfer.

  Every step is idempotent. A second pass over a clean database finds no
  groups and re-creates nothing.

SEE ALSO:
  - store/sqlstore/schema.go: Non-unique indexes created on open
  - lock.go: Cross-instance lock (Redis)
*/
package guardian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/warp/inventory-ledger/inventory"
)

// =============================================================================
// TARGETS
// =============================================================================

type child struct {
	table  string
	column string
}

type target struct {
	table  string
	column string
	// children are deleted together with a removed row.
	children []child
	// refs are re-pointed from a removed row to its survivor.
	refs []child
	// locks are per-item lock rows of removed items; dropped, not re-pointed.
	locks []child
	// undoneBy names the column of rows in the same table that reverse a
	// row. Those go with the row they reverse.
	undoneBy string
	// ledgerRef is the reference_type of ledger rows written on behalf of a
	// row. They are deactivated when the row goes.
	ledgerRef string
	// clears are references set to NULL when the row they name goes.
	clears []child
	// relink restores clears[...] on the survivor's side: the referencing
	// row named by the survivor's via column points at the survivor.
	relink *relink
}

type relink struct {
	table  string
	column string
	via    string
}

var targets = []target{
	{
		table:  "items",
		column: "code",
		refs: []child{
			{"ledger_transaction_lines", "item_id"},
			{"stock_operation_lines", "item_id"},
			{"operation_conversions", "source_item_id"},
			{"operation_conversions", "dest_item_id"},
			{"transfer_requests", "main_item_id"},
			{"transfer_conversions", "source_item_id"},
			{"transfer_conversions", "dest_item_id"},
		},
		locks: []child{{"stock_locks", "item_id"}},
	},
	{
		table:     "ledger_transactions",
		column:    "code",
		children:  []child{{"ledger_transaction_lines", "transaction_id"}},
		ledgerRef: inventory.RefReversal,
	},
	{
		table:  "stock_operations",
		column: "op_code",
		children: []child{
			{"stock_operation_lines", "op_id"},
			{"operation_conversions", "op_id"},
		},
		undoneBy:  "reverses_op_id",
		ledgerRef: inventory.RefStockOperation,
		clears:    []child{{"transfer_requests", "operation_id"}},
		relink:    &relink{table: "transfer_requests", column: "operation_id", via: "transfer_request_id"},
	},
	{
		table:    "transfer_requests",
		column:   "code",
		children: []child{{"transfer_conversions", "transfer_id"}},
		clears:   []child{{"stock_operations", "transfer_request_id"}},
	},
}

// backfillTables carry active and updated_at.
var backfillTables = []string{"stores", "items", "ledger_transactions", "stock_operations", "transfer_requests"}

// legacyCodes lists code columns that must never be empty.
var legacyCodes = []child{
	{"ledger_transactions", "code"},
	{"stock_operations", "op_code"},
	{"transfer_requests", "code"},
}

// =============================================================================
// REPORT
// =============================================================================

type Report struct {
	Skipped  bool          `json:"skipped"`
	Backfill []StepResult  `json:"backfill"`
	Tables   []TableReport `json:"tables"`
}

type StepResult struct {
	Table string `json:"table"`
	Step  string `json:"step"`
	Rows  int64  `json:"rows"`
	Err   string `json:"error,omitempty"`
}

type TableReport struct {
	Table          string `json:"table"`
	Column         string `json:"column"`
	Groups         int    `json:"groups"`
	Removed        int    `json:"removed"`
	LedgerVoided   int64  `json:"ledger_voided"`
	IndexInstalled bool   `json:"index_installed"`
	Err            string `json:"error,omitempty"`
}

// =============================================================================
// GUARDIAN
// =============================================================================

type Guardian struct {
	DB      *sqlx.DB
	Locker  Locker
	Logger  logrus.FieldLogger
	LockTTL time.Duration
}

func New(db *sqlx.DB) *Guardian {
	return &Guardian{
		DB:      db,
		Locker:  NewLocalLocker(),
		Logger:  logrus.StandardLogger(),
		LockTTL: 5 * time.Minute,
	}
}

// Run executes one pass. Only failing to talk to the lock backend is
// returned as an error; everything else is recorded in the report.
func (g *Guardian) Run(ctx context.Context) (*Report, error) {
	log := g.Logger.WithField("module", "guardian")

	if g.Locker != nil {
		lock, err := g.Locker.Obtain(ctx, LockKey, g.LockTTL)
		if errors.Is(err, ErrLockHeld) {
			log.Info("another instance holds the guardian lock; skipping pass")
			return &Report{Skipped: true}, nil
		} else if err != nil {
			return nil, fmt.Errorf("obtain guardian lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				log.WithError(err).Warn("failed to release guardian lock")
			}
		}()
	}

	report := &Report{}
	report.Backfill = g.backfill(ctx)
	for _, t := range targets {
		tr := g.dedup(ctx, t)
		if tr.Err != "" {
			log.WithFields(logrus.Fields{"table": tr.Table, "column": tr.Column}).Warn("guardian: " + tr.Err)
		} else if tr.Removed > 0 {
			log.WithFields(logrus.Fields{
				"table":         tr.Table,
				"groups":        tr.Groups,
				"removed":       tr.Removed,
				"ledger_voided": tr.LedgerVoided,
			}).Info("guardian: removed duplicate codes")
		}
		report.Tables = append(report.Tables, tr)
	}
	return report, nil
}

// =============================================================================
// BACKFILL
// =============================================================================

func (g *Guardian) backfill(ctx context.Context) []StepResult {
	var out []StepResult
	step := func(table, name, query string) {
		res, err := g.DB.ExecContext(ctx, query)
		r := StepResult{Table: table, Step: name}
		if err != nil {
			r.Err = err.Error()
			g.Logger.WithError(err).WithFields(logrus.Fields{"table": table, "step": name}).Warn("guardian backfill step failed")
		} else if n, err := res.RowsAffected(); err == nil {
			r.Rows = n
		}
		out = append(out, r)
	}

	for _, table := range backfillTables {
		if !g.hasTable(ctx, table) {
			continue
		}
		if !g.hasColumn(ctx, table, "updated_at") {
			step(table, "add updated_at", fmt.Sprintf(`ALTER TABLE %s ADD COLUMN updated_at TIMESTAMP`, table))
		}
		if !g.hasColumn(ctx, table, "active") {
			step(table, "add active", fmt.Sprintf(`ALTER TABLE %s ADD COLUMN active BOOLEAN DEFAULT TRUE`, table))
		}
		if g.hasColumn(ctx, table, "created_at") {
			step(table, "fill updated_at", fmt.Sprintf(`UPDATE %s SET updated_at = created_at WHERE updated_at IS NULL`, table))
		}
		step(table, "fill active", fmt.Sprintf(`UPDATE %s SET active = TRUE WHERE active IS NULL`, table))
	}

	for _, c := range legacyCodes {
		if !g.hasTable(ctx, c.table) {
			continue
		}
		step(c.table, "legacy codes", fmt.Sprintf(
			`UPDATE %s SET %s = 'LEGACY-' || id WHERE %s IS NULL OR %s = ''`,
			c.table, c.column, c.column, c.column))
	}
	return out
}

func (g *Guardian) hasTable(ctx context.Context, table string) bool {
	rows, err := g.DB.QueryContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s LIMIT 0`, table))
	if err != nil {
		return false
	}
	rows.Close()
	return true
}

func (g *Guardian) hasColumn(ctx context.Context, table, column string) bool {
	rows, err := g.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s LIMIT 0`, column, table))
	if err != nil {
		return false
	}
	rows.Close()
	return true
}

// =============================================================================
// DEDUP
// =============================================================================

// Candidate is one row sharing a duplicated code.
type Candidate struct {
	ID        string       `db:"id"`
	Active    sql.NullBool `db:"active"`
	UpdatedAt sql.NullTime `db:"updated_at"`
}

// PickSurvivor orders candidates and returns the one to keep and the rest.
func PickSurvivor(cands []Candidate) (Candidate, []Candidate) {
	sorted := append([]Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		aActive := !a.Active.Valid || a.Active.Bool
		bActive := !b.Active.Valid || b.Active.Bool
		if aActive != bActive {
			return aActive
		}
		if a.UpdatedAt.Valid != b.UpdatedAt.Valid {
			return a.UpdatedAt.Valid
		}
		if a.UpdatedAt.Valid && !a.UpdatedAt.Time.Equal(b.UpdatedAt.Time) {
			return a.UpdatedAt.Time.After(b.UpdatedAt.Time)
		}
		return a.ID < b.ID
	})
	return sorted[0], sorted[1:]
}

func (g *Guardian) dedup(ctx context.Context, t target) TableReport {
	tr := TableReport{Table: t.table, Column: t.column}
	if !g.hasTable(ctx, t.table) {
		tr.Err = "table missing"
		return tr
	}

	var codes []string
	err := g.DB.SelectContext(ctx, &codes, fmt.Sprintf(`
		SELECT %[1]s FROM %[2]s
		WHERE %[1]s IS NOT NULL AND %[1]s <> ''
		GROUP BY %[1]s HAVING COUNT(*) > 1
		ORDER BY %[1]s`, t.column, t.table))
	if err != nil {
		tr.Err = "find duplicates: " + err.Error()
		return tr
	}
	tr.Groups = len(codes)

	// Look up related columns up front; the group transaction may hold the
	// only connection.
	present := target{table: t.table, column: t.column}
	for _, r := range t.refs {
		if g.hasColumn(ctx, r.table, r.column) {
			present.refs = append(present.refs, r)
		}
	}
	for _, c := range append(append([]child(nil), t.children...), t.locks...) {
		if g.hasColumn(ctx, c.table, c.column) {
			present.children = append(present.children, c)
		}
	}
	for _, c := range t.clears {
		if g.hasColumn(ctx, c.table, c.column) {
			present.clears = append(present.clears, c)
		}
	}
	if t.undoneBy != "" && g.hasColumn(ctx, t.table, t.undoneBy) {
		present.undoneBy = t.undoneBy
	}
	if t.ledgerRef != "" && g.hasColumn(ctx, "ledger_transactions", "reference_id") {
		present.ledgerRef = t.ledgerRef
	}
	if t.relink != nil && g.hasColumn(ctx, t.relink.table, t.relink.column) && g.hasColumn(ctx, t.table, t.relink.via) {
		present.relink = t.relink
	}

	for _, code := range codes {
		n, voided, err := g.dedupGroup(ctx, present, code)
		if err != nil {
			g.Logger.WithError(err).WithFields(logrus.Fields{"table": t.table, "code": code}).Warn("guardian: duplicate group not repaired")
			continue
		}
		tr.Removed += n
		tr.LedgerVoided += voided
	}

	index := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ux_%s_%s ON %s(%s)`, t.table, t.column, t.table, t.column)
	if _, err := g.DB.ExecContext(ctx, index); err != nil {
		tr.Err = "unique index not installed: " + err.Error()
		return tr
	}
	tr.IndexInstalled = true
	return tr
}

func (g *Guardian) dedupGroup(ctx context.Context, t target, code string) (removed int, voided int64, err error) {
	tx, err := g.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var cands []Candidate
	if err := tx.SelectContext(ctx, &cands, tx.Rebind(fmt.Sprintf(
		`SELECT id, active, updated_at FROM %s WHERE %s = ?`, t.table, t.column)), code); err != nil {
		return 0, 0, fmt.Errorf("load group: %w", err)
	}
	if len(cands) < 2 {
		return 0, 0, tx.Commit()
	}
	survivor, losers := PickSurvivor(cands)
	ids := make([]string, len(losers))
	for i, l := range losers {
		ids[i] = l.ID
	}

	run := func(query string, args ...any) (int64, error) {
		q, a, err := sqlx.In(query, args...)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(q), a...)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return n, nil
	}

	// Rows that reverse a loser lose their meaning with it.
	doomed := ids
	if t.undoneBy != "" {
		q, a, err := sqlx.In(fmt.Sprintf(`SELECT id FROM %s WHERE %s IN (?) AND id <> ?`, t.table, t.undoneBy), ids, survivor.ID)
		if err != nil {
			return 0, 0, err
		}
		var undo []string
		if err := tx.SelectContext(ctx, &undo, tx.Rebind(q), a...); err != nil {
			return 0, 0, fmt.Errorf("find reversals: %w", err)
		}
		doomed = append(append([]string(nil), ids...), undo...)
	}

	for _, r := range t.refs {
		if _, err := run(fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s IN (?)`, r.table, r.column, r.column), survivor.ID, ids); err != nil {
			return 0, 0, fmt.Errorf("re-point %s.%s: %w", r.table, r.column, err)
		}
	}
	for _, c := range t.clears {
		if _, err := run(fmt.Sprintf(`UPDATE %s SET %s = NULL WHERE %s IN (?)`, c.table, c.column, c.column), doomed); err != nil {
			return 0, 0, fmt.Errorf("clear %s.%s: %w", c.table, c.column, err)
		}
	}
	if l := t.relink; l != nil {
		if _, err := run(fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s IS NULL AND id = (SELECT %s FROM %s WHERE id = ?)`,
			l.table, l.column, l.column, l.via, t.table), survivor.ID, survivor.ID); err != nil {
			return 0, 0, fmt.Errorf("relink %s.%s: %w", l.table, l.column, err)
		}
	}
	if t.ledgerRef != "" {
		voided, err = run(`UPDATE ledger_transactions SET active = FALSE, updated_at = ?
			WHERE reference_type = ? AND reference_id IN (?) AND active = TRUE`,
			time.Now().UTC(), t.ledgerRef, doomed)
		if err != nil {
			return 0, 0, fmt.Errorf("void ledger rows: %w", err)
		}
	}
	for _, c := range t.children {
		if _, err := run(fmt.Sprintf(`DELETE FROM %s WHERE %s IN (?)`, c.table, c.column), doomed); err != nil {
			return 0, 0, fmt.Errorf("delete %s: %w", c.table, err)
		}
	}
	if _, err := run(fmt.Sprintf(`DELETE FROM %s WHERE id IN (?)`, t.table), doomed); err != nil {
		return 0, 0, fmt.Errorf("delete duplicates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return len(doomed), voided, nil
}
