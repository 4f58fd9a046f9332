/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists sections, credit notes, commitments, annulments, balance returns
  and the audit log. The same patterns apply to PostgreSQL with minor SQL
  dialect differences.

DRIVERS:
  Two database/sql drivers are registered and either can back the store:
    "sqlite3" (DriverCGO):  github.com/mattn/go-sqlite3, needs cgo
    "sqlite"  (DriverPure): modernc.org/sqlite, pure Go
  The DSN differs per driver; Open builds the right one.

KEY TABLES:
  sections:        Organizational units, unique name (case-insensitive)
  credit_notes:    Allotted amounts with the stored available balance
  commitments:     Draw-downs, unique number
  annulments:      Partial reversals of a commitment
  balance_returns: Unused balance given back
  audit_log:       Append-only who-did-what records

AMOUNTS & DATES:
  Amounts are stored as TEXT decimal strings and summed in Go, so no value
  ever passes through a float. Calendar dates are TEXT "2006-01-02", which
  sorts and compares correctly as a string.

CONCURRENCY:
  One open connection and BEGIN IMMEDIATE transactions: writers are fully
  serialized, which gives LockCreditNote its "select for update" meaning.
  Because there is only one connection, nothing inside WithTx may touch
  s.db, and reads drain their rows before loading associations.

USAGE:
  store, err := sqlite.Open(sqlite.DriverPure, "./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Schema is auto-migrated on Open (idempotent CREATE ... IF NOT EXISTS).

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/warp/credit-ledger/ledger"
)

const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"

	dateLayout = "2006-01-02"
	// fixed width so timestamps sort as strings
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	driver string
}

// New opens a store with the cgo driver.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(DriverCGO, dbPath)
}

// Open opens a store with the given driver name and migrates the schema.
func Open(driver, dbPath string) (*Store, error) {
	dsn, err := buildDSN(driver, dbPath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, driver: driver}
	if err := store.configure(context.Background(), dbPath); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func buildDSN(driver, dbPath string) (string, error) {
	switch driver {
	case DriverCGO:
		return fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000", dbPath), nil
	case DriverPure:
		return fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath), nil
	}
	return "", fmt.Errorf("unsupported sqlite driver %q (want %q or %q)", driver, DriverCGO, DriverPure)
}

func (s *Store) configure(ctx context.Context, dbPath string) error {
	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.PingContext(ctx)
}

// migrations returns the schema statements, one statement per string.
func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sections (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE COLLATE NOCASE
		)`,

		`CREATE TABLE IF NOT EXISTS credit_notes (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			number         TEXT NOT NULL UNIQUE,
			total_amount   TEXT NOT NULL,
			available      TEXT NOT NULL,
			status         TEXT NOT NULL CHECK (status IN ('active', 'fully_committed', 'returned')),
			sphere         TEXT NOT NULL DEFAULT '',
			source         TEXT NOT NULL DEFAULT '',
			ptres          TEXT NOT NULL DEFAULT '',
			internal_plan  TEXT NOT NULL DEFAULT '',
			expense_nature TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			section_id     INTEGER NOT NULL REFERENCES sections(id),
			arrival_date   TEXT NOT NULL,
			deadline       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_notes_section ON credit_notes(section_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_notes_status_deadline ON credit_notes(status, deadline)`,

		`CREATE TABLE IF NOT EXISTS commitments (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			number         TEXT NOT NULL UNIQUE,
			amount         TEXT NOT NULL,
			date           TEXT NOT NULL,
			note           TEXT NOT NULL DEFAULT '',
			credit_note_id INTEGER NOT NULL REFERENCES credit_notes(id),
			section_id     INTEGER NOT NULL REFERENCES sections(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commitments_credit_note ON commitments(credit_note_id)`,
		`CREATE INDEX IF NOT EXISTS idx_commitments_section ON commitments(section_id)`,

		`CREATE TABLE IF NOT EXISTS annulments (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			commitment_id INTEGER NOT NULL REFERENCES commitments(id) ON DELETE CASCADE,
			amount        TEXT NOT NULL,
			date          TEXT NOT NULL,
			note          TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_annulments_commitment ON annulments(commitment_id)`,

		`CREATE TABLE IF NOT EXISTS balance_returns (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			credit_note_id INTEGER NOT NULL REFERENCES credit_notes(id) ON DELETE CASCADE,
			amount         TEXT NOT NULL,
			date           TEXT NOT NULL,
			note           TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_returns_credit_note ON balance_returns(credit_note_id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			occurred_at TEXT NOT NULL,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			detail      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_occurred_at ON audit_log(occurred_at DESC)`,
	}
}

// Migrate creates the database schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by the store (on *sql.DB) and transactions (on *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

const noteColumns = `
	n.id, n.number, n.total_amount, n.available, n.status,
	n.sphere, n.source, n.ptres, n.internal_plan, n.expense_nature, n.description,
	n.section_id, s.name, n.arrival_date, n.deadline`

const noteFrom = `
	FROM credit_notes n
	LEFT JOIN sections s ON s.id = n.section_id`

const commitmentColumns = `id, number, amount, date, note, credit_note_id, section_id`

type scanner interface {
	Scan(dest ...any) error
}

func parseDate(v string) time.Time {
	t, _ := time.Parse(dateLayout, v)
	return t
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func scanNote(row scanner) (ledger.CreditNote, error) {
	var (
		n           ledger.CreditNote
		sectionName sql.NullString
		arrival     string
		deadline    string
	)
	err := row.Scan(
		&n.ID, &n.Number, &n.TotalAmount, &n.Available, &n.Status,
		&n.Sphere, &n.Source, &n.PTRES, &n.InternalPlan, &n.ExpenseNature, &n.Description,
		&n.SectionID, &sectionName, &arrival, &deadline,
	)
	if err != nil {
		return n, err
	}
	if sectionName.Valid {
		n.Section = &ledger.Section{ID: n.SectionID, Name: sectionName.String}
	}
	n.ArrivalDate = parseDate(arrival)
	n.Deadline = parseDate(deadline)
	return n, nil
}

func scanCommitment(row scanner) (ledger.Commitment, error) {
	var (
		c    ledger.Commitment
		date string
	)
	if err := row.Scan(&c.ID, &c.Number, &c.Amount, &date, &c.Note, &c.CreditNoteID, &c.SectionID); err != nil {
		return c, err
	}
	c.Date = parseDate(date)
	return c, nil
}

func (q queries) getSection(ctx context.Context, id ledger.SectionID) (*ledger.Section, error) {
	var sec ledger.Section
	err := q.q.QueryRowContext(ctx, `SELECT id, name FROM sections WHERE id = ?`, id).Scan(&sec.ID, &sec.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get section: %w", err)
	}
	return &sec, nil
}

func (q queries) listSections(ctx context.Context) ([]ledger.Section, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT id, name FROM sections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	sections := []ledger.Section{}
	for rows.Next() {
		var sec ledger.Section
		if err := rows.Scan(&sec.ID, &sec.Name); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

func (q queries) getCreditNote(ctx context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+noteColumns+noteFrom+` WHERE n.id = ?`, id)
	n, err := scanNote(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit note: %w", err)
	}
	return &n, nil
}

func (q queries) listCreditNotes(ctx context.Context, f ledger.CreditNoteFilter) ([]ledger.CreditNote, error) {
	var (
		where []string
		args  []any
	)
	if f.Number != "" {
		where = append(where, "n.number LIKE ?")
		args = append(args, "%"+f.Number+"%")
	}
	if f.InternalPlan != "" {
		where = append(where, "n.internal_plan LIKE ?")
		args = append(args, "%"+f.InternalPlan+"%")
	}
	if f.ExpenseNature != "" {
		where = append(where, "n.expense_nature LIKE ?")
		args = append(args, "%"+f.ExpenseNature+"%")
	}
	if f.SectionID != 0 {
		where = append(where, "n.section_id = ?")
		args = append(args, f.SectionID)
	}
	if f.Status != "" {
		where = append(where, "n.status = ?")
		args = append(args, f.Status)
	}
	if f.DeadlineBy != nil {
		where = append(where, "n.deadline <= ?")
		args = append(args, formatDate(*f.DeadlineBy))
	}

	query := `SELECT ` + noteColumns + noteFrom
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY n.arrival_date DESC, n.id DESC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit notes: %w", err)
	}
	defer rows.Close()

	notes := []ledger.CreditNote{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credit note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// lockCommitment reads the bare row, without associations.
func (q queries) lockCommitment(ctx context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id = ?`, id)
	c, err := scanCommitment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return &c, nil
}

func (q queries) getCommitment(ctx context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	c, err := q.lockCommitment(ctx, id)
	if err != nil || c == nil {
		return c, err
	}
	hydrated, err := q.hydrateCommitments(ctx, []ledger.Commitment{*c})
	if err != nil {
		return nil, err
	}
	return &hydrated[0], nil
}

func (q queries) listCommitments(ctx context.Context, f ledger.CommitmentFilter) ([]ledger.Commitment, error) {
	var (
		where []string
		args  []any
	)
	if f.CreditNoteID != 0 {
		where = append(where, "credit_note_id = ?")
		args = append(args, f.CreditNoteID)
	}
	if f.Number != "" {
		where = append(where, "number LIKE ?")
		args = append(args, "%"+f.Number+"%")
	}
	query := `SELECT ` + commitmentColumns + ` FROM commitments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date DESC, id DESC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list commitments: %w", err)
	}
	commitments := []ledger.Commitment{}
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan commitment: %w", err)
		}
		commitments = append(commitments, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	return q.hydrateCommitments(ctx, commitments)
}

// hydrateCommitments loads notes and sections after the commitment rows are
// closed; the single connection cannot serve nested queries.
func (q queries) hydrateCommitments(ctx context.Context, commitments []ledger.Commitment) ([]ledger.Commitment, error) {
	notes := make(map[ledger.CreditNoteID]*ledger.CreditNote)
	sections := make(map[ledger.SectionID]*ledger.Section)

	for i := range commitments {
		c := &commitments[i]
		n, ok := notes[c.CreditNoteID]
		if !ok {
			var err error
			if n, err = q.getCreditNote(ctx, c.CreditNoteID); err != nil {
				return nil, err
			}
			notes[c.CreditNoteID] = n
		}
		sec, ok := sections[c.SectionID]
		if !ok {
			var err error
			if sec, err = q.getSection(ctx, c.SectionID); err != nil {
				return nil, err
			}
			sections[c.SectionID] = sec
		}
		c.CreditNote = n
		c.Section = sec
	}
	return commitments, nil
}

func (q queries) listAnnulments(ctx context.Context, id ledger.CommitmentID) ([]ledger.Annulment, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, commitment_id, amount, date, note
		FROM annulments
		WHERE commitment_id = ?
		ORDER BY date ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list annulments: %w", err)
	}
	defer rows.Close()

	annulments := []ledger.Annulment{}
	for rows.Next() {
		var (
			a    ledger.Annulment
			date string
		)
		if err := rows.Scan(&a.ID, &a.CommitmentID, &a.Amount, &date, &a.Note); err != nil {
			return nil, fmt.Errorf("failed to scan annulment: %w", err)
		}
		a.Date = parseDate(date)
		annulments = append(annulments, a)
	}
	return annulments, rows.Err()
}

func (q queries) listBalanceReturns(ctx context.Context, id ledger.CreditNoteID) ([]ledger.BalanceReturn, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, credit_note_id, amount, date, note
		FROM balance_returns
		WHERE credit_note_id = ?
		ORDER BY date ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance returns: %w", err)
	}
	defer rows.Close()

	returns := []ledger.BalanceReturn{}
	for rows.Next() {
		var (
			r    ledger.BalanceReturn
			date string
		)
		if err := rows.Scan(&r.ID, &r.CreditNoteID, &r.Amount, &date, &r.Note); err != nil {
			return nil, fmt.Errorf("failed to scan balance return: %w", err)
		}
		r.Date = parseDate(date)
		returns = append(returns, r)
	}
	return returns, rows.Err()
}

func (q queries) listAuditRecords(ctx context.Context, limit int) ([]ledger.AuditRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, occurred_at, actor, action, detail
		FROM audit_log
		ORDER BY occurred_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records := []ledger.AuditRecord{}
	for rows.Next() {
		var (
			r  ledger.AuditRecord
			at string
		)
		if err := rows.Scan(&r.ID, &at, &r.Actor, &r.Action, &r.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.OccurredAt, _ = time.Parse(timestampLayout, at)
		records = append(records, r)
	}
	return records, rows.Err()
}

// sumColumn adds up a TEXT amount column in Go.
func (q queries) sumColumn(ctx context.Context, query string) (decimal.Decimal, error) {
	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v decimal.Decimal
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, rows.Err()
}

func (q queries) totals(ctx context.Context) (ledger.Totals, error) {
	var (
		t   ledger.Totals
		err error
	)
	if t.AvailableBalance, err = q.sumColumn(ctx, `SELECT available FROM credit_notes`); err != nil {
		return t, fmt.Errorf("failed to sum available balance: %w", err)
	}
	if t.CommittedGross, err = q.sumColumn(ctx, `SELECT amount FROM commitments`); err != nil {
		return t, fmt.Errorf("failed to sum commitments: %w", err)
	}
	if t.Annulled, err = q.sumColumn(ctx, `SELECT amount FROM annulments`); err != nil {
		return t, fmt.Errorf("failed to sum annulments: %w", err)
	}
	err = q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_notes WHERE status = ?`, ledger.StatusActive,
	).Scan(&t.ActiveNotes)
	if err != nil {
		return t, fmt.Errorf("failed to count active notes: %w", err)
	}
	return t, nil
}

func (q queries) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// =============================================================================
// READER (ledger.Reader on the store)
// =============================================================================

func (s *Store) reads() queries { return queries{q: s.db} }

func (s *Store) GetSection(ctx context.Context, id ledger.SectionID) (*ledger.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().getSection(ctx, id)
}

func (s *Store) ListSections(ctx context.Context) ([]ledger.Section, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().listSections(ctx)
}

func (s *Store) GetCreditNote(ctx context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().getCreditNote(ctx, id)
}

func (s *Store) ListCreditNotes(ctx context.Context, f ledger.CreditNoteFilter) ([]ledger.CreditNote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().listCreditNotes(ctx, f)
}

func (s *Store) GetCommitment(ctx context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().getCommitment(ctx, id)
}

func (s *Store) ListCommitments(ctx context.Context, f ledger.CommitmentFilter) ([]ledger.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().listCommitments(ctx, f)
}

func (s *Store) ListAnnulments(ctx context.Context, id ledger.CommitmentID) ([]ledger.Annulment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().listAnnulments(ctx, id)
}

func (s *Store) ListBalanceReturns(ctx context.Context, id ledger.CreditNoteID) ([]ledger.BalanceReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().listBalanceReturns(ctx, id)
}

func (s *Store) ListAuditRecords(ctx context.Context, limit int) ([]ledger.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().listAuditRecords(ctx, limit)
}

func (s *Store) Totals(ctx context.Context) (ledger.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads().totals(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

type txStore struct {
	queries
}

func (ts *txStore) GetSection(ctx context.Context, id ledger.SectionID) (*ledger.Section, error) {
	return ts.getSection(ctx, id)
}

func (ts *txStore) ListSections(ctx context.Context) ([]ledger.Section, error) {
	return ts.listSections(ctx)
}

func (ts *txStore) GetCreditNote(ctx context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	return ts.getCreditNote(ctx, id)
}

func (ts *txStore) ListCreditNotes(ctx context.Context, f ledger.CreditNoteFilter) ([]ledger.CreditNote, error) {
	return ts.listCreditNotes(ctx, f)
}

func (ts *txStore) GetCommitment(ctx context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	return ts.getCommitment(ctx, id)
}

func (ts *txStore) ListCommitments(ctx context.Context, f ledger.CommitmentFilter) ([]ledger.Commitment, error) {
	return ts.listCommitments(ctx, f)
}

func (ts *txStore) ListAnnulments(ctx context.Context, id ledger.CommitmentID) ([]ledger.Annulment, error) {
	return ts.listAnnulments(ctx, id)
}

func (ts *txStore) ListBalanceReturns(ctx context.Context, id ledger.CreditNoteID) ([]ledger.BalanceReturn, error) {
	return ts.listBalanceReturns(ctx, id)
}

func (ts *txStore) ListAuditRecords(ctx context.Context, limit int) ([]ledger.AuditRecord, error) {
	return ts.listAuditRecords(ctx, limit)
}

func (ts *txStore) Totals(ctx context.Context) (ledger.Totals, error) {
	return ts.totals(ctx)
}

// LockCreditNote reads the note inside the IMMEDIATE transaction, which
// already holds the database write lock.
func (ts *txStore) LockCreditNote(ctx context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	return ts.getCreditNote(ctx, id)
}

func (ts *txStore) LockCommitment(ctx context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	return ts.lockCommitment(ctx, id)
}

func (ts *txStore) AppendAudit(ctx context.Context, r ledger.AuditRecord) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, occurred_at, actor, action, detail)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.OccurredAt.UTC().Format(timestampLayout), r.Actor, r.Action, r.Detail,
	)
	return classify("append audit record", err)
}

// --- sections ---

func (ts *txStore) InsertSection(ctx context.Context, sec *ledger.Section) error {
	res, err := ts.q.ExecContext(ctx, `INSERT INTO sections (name) VALUES (?)`, sec.Name)
	if err != nil {
		return classify("insert section", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	sec.ID = ledger.SectionID(id)
	return nil
}

func (ts *txStore) UpdateSection(ctx context.Context, sec ledger.Section) error {
	_, err := ts.q.ExecContext(ctx, `UPDATE sections SET name = ? WHERE id = ?`, sec.Name, sec.ID)
	return classify("update section", err)
}

func (ts *txStore) DeleteSection(ctx context.Context, id ledger.SectionID) error {
	_, err := ts.q.ExecContext(ctx, `DELETE FROM sections WHERE id = ?`, id)
	return classify("delete section", err)
}

func (ts *txStore) CountCreditNotesBySection(ctx context.Context, id ledger.SectionID) (int, error) {
	return ts.count(ctx, `SELECT COUNT(*) FROM credit_notes WHERE section_id = ?`, id)
}

func (ts *txStore) CountCommitmentsBySection(ctx context.Context, id ledger.SectionID) (int, error) {
	return ts.count(ctx, `SELECT COUNT(*) FROM commitments WHERE section_id = ?`, id)
}

func (ts *txStore) SectionNameTaken(ctx context.Context, name string, exclude ledger.SectionID) (bool, error) {
	n, err := ts.count(ctx, `SELECT COUNT(*) FROM sections WHERE name = ? COLLATE NOCASE AND id != ?`, name, exclude)
	return n > 0, err
}

// --- credit notes ---

func (ts *txStore) InsertCreditNote(ctx context.Context, n *ledger.CreditNote) error {
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO credit_notes
		(number, total_amount, available, status, sphere, source, ptres, internal_plan,
		 expense_nature, description, section_id, arrival_date, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Number, n.TotalAmount.String(), n.Available.String(), n.Status,
		n.Sphere, n.Source, n.PTRES, n.InternalPlan, n.ExpenseNature, n.Description,
		n.SectionID, formatDate(n.ArrivalDate), formatDate(n.Deadline),
	)
	if err != nil {
		return classify("insert credit note", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = ledger.CreditNoteID(id)
	return nil
}

func (ts *txStore) UpdateCreditNote(ctx context.Context, n ledger.CreditNote) error {
	_, err := ts.q.ExecContext(ctx, `
		UPDATE credit_notes SET
			number = ?, total_amount = ?, available = ?, status = ?, sphere = ?, source = ?,
			ptres = ?, internal_plan = ?, expense_nature = ?, description = ?, section_id = ?,
			arrival_date = ?, deadline = ?
		WHERE id = ?`,
		n.Number, n.TotalAmount.String(), n.Available.String(), n.Status, n.Sphere, n.Source,
		n.PTRES, n.InternalPlan, n.ExpenseNature, n.Description, n.SectionID,
		formatDate(n.ArrivalDate), formatDate(n.Deadline),
		n.ID,
	)
	return classify("update credit note", err)
}

func (ts *txStore) DeleteCreditNote(ctx context.Context, id ledger.CreditNoteID) error {
	if _, err := ts.q.ExecContext(ctx, `DELETE FROM balance_returns WHERE credit_note_id = ?`, id); err != nil {
		return classify("delete balance returns", err)
	}
	_, err := ts.q.ExecContext(ctx, `DELETE FROM credit_notes WHERE id = ?`, id)
	return classify("delete credit note", err)
}

func (ts *txStore) CountCommitments(ctx context.Context, id ledger.CreditNoteID) (int, error) {
	return ts.count(ctx, `SELECT COUNT(*) FROM commitments WHERE credit_note_id = ?`, id)
}

func (ts *txStore) CreditNoteNumberTaken(ctx context.Context, number string, exclude ledger.CreditNoteID) (bool, error) {
	n, err := ts.count(ctx, `SELECT COUNT(*) FROM credit_notes WHERE number = ? AND id != ?`, number, exclude)
	return n > 0, err
}

// --- commitments, annulments, returns ---

func (ts *txStore) InsertCommitment(ctx context.Context, c *ledger.Commitment) error {
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO commitments (number, amount, date, note, credit_note_id, section_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Number, c.Amount.String(), formatDate(c.Date), c.Note, c.CreditNoteID, c.SectionID,
	)
	if err != nil {
		return classify("insert commitment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = ledger.CommitmentID(id)
	return nil
}

func (ts *txStore) DeleteCommitment(ctx context.Context, id ledger.CommitmentID) error {
	if _, err := ts.q.ExecContext(ctx, `DELETE FROM annulments WHERE commitment_id = ?`, id); err != nil {
		return classify("delete annulments", err)
	}
	_, err := ts.q.ExecContext(ctx, `DELETE FROM commitments WHERE id = ?`, id)
	return classify("delete commitment", err)
}

func (ts *txStore) CommitmentNumberTaken(ctx context.Context, number string) (bool, error) {
	n, err := ts.count(ctx, `SELECT COUNT(*) FROM commitments WHERE number = ?`, number)
	return n > 0, err
}

func (ts *txStore) InsertAnnulment(ctx context.Context, a *ledger.Annulment) error {
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO annulments (commitment_id, amount, date, note) VALUES (?, ?, ?, ?)`,
		a.CommitmentID, a.Amount.String(), formatDate(a.Date), a.Note,
	)
	if err != nil {
		return classify("insert annulment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = ledger.AnnulmentID(id)
	return nil
}

func (ts *txStore) InsertBalanceReturn(ctx context.Context, r *ledger.BalanceReturn) error {
	res, err := ts.q.ExecContext(ctx, `
		INSERT INTO balance_returns (credit_note_id, amount, date, note) VALUES (?, ?, ?, ?)`,
		r.CreditNoteID, r.Amount.String(), formatDate(r.Date), r.Note,
	)
	if err != nil {
		return classify("insert balance return", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = ledger.BalanceReturnID(id)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// classify wraps driver errors, mapping constraint violations onto the
// ledger sentinels.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isUniqueConstraintError(err):
		return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrDuplicateKey)
	case isForeignKeyError(err):
		return fmt.Errorf("%s: %v: %w", op, err, ledger.ErrConflict)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Tx      = (*txStore)(nil)
)
