/*
store.go - Persistence contract for the ledger core

PURPOSE:
  Defines the interface between the ledger rules and the database. The
  ledger never talks SQL; it reads and writes rows through these
  interfaces and relies on the store for transactional commit/rollback.

KEY INTERFACES:
  Reader:    Lock-free reads of the latest committed state
  Tx:        Reads and writes inside one atomic unit, including row locks
             and the audit append
  TxStore:   Reader + WithTx, the entry point used by the Ledger
  AuditSink: Append-only audit records, written inside the same Tx

ROW LOCKS:
  LockCreditNote / LockCommitment have "select for update" semantics. On
  SQLite the whole transaction is already exclusive (BEGIN IMMEDIATE), on
  the memory store WithTx holds the write lock. The Ledger additionally
  holds a per-note mutex for the whole operation, so the lock scope does
  not depend on the backend.

NOT FOUND:
  Get and Lock methods return (nil, nil) when the row does not exist. The ledger turns
  that into a NotFoundError with the right entity name.

UNIQUENESS:
  Insert/Update return an error wrapping ErrDuplicateKey when a unique
  number or name is already taken, including races detected only at
  write time.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite (mattn/go-sqlite3 or modernc.org/sqlite)
  - ledger/store/memory.go: In-memory for tests and demos

SEE ALSO:
  - ledger.go: Uses these interfaces
  - audit.go: AuditRecord
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

// CreditNoteFilter narrows ListCreditNotes. Zero values match everything.
type CreditNoteFilter struct {
	Number        string // substring, case-insensitive
	InternalPlan  string // substring, case-insensitive
	ExpenseNature string // substring
	SectionID     SectionID
	Status        Status
	DeadlineBy    *time.Time // deadline on or before
}

// CommitmentFilter narrows ListCommitments. Zero values match everything.
type CommitmentFilter struct {
	CreditNoteID CreditNoteID
	Number       string // substring, case-insensitive
}

// Totals are the aggregates behind the dashboard summary.
type Totals struct {
	AvailableBalance decimal.Decimal // Σ available over all notes
	CommittedGross   decimal.Decimal // Σ commitment amounts
	Annulled         decimal.Decimal // Σ annulment amounts
	ActiveNotes      int
}

// =============================================================================
// READER - Lock-free reads
// =============================================================================

type Reader interface {
	GetSection(ctx context.Context, id SectionID) (*Section, error)
	ListSections(ctx context.Context) ([]Section, error)

	// GetCreditNote returns the note with its Section loaded.
	GetCreditNote(ctx context.Context, id CreditNoteID) (*CreditNote, error)
	// ListCreditNotes returns notes with Section loaded, newest arrival first.
	ListCreditNotes(ctx context.Context, filter CreditNoteFilter) ([]CreditNote, error)

	GetCommitment(ctx context.Context, id CommitmentID) (*Commitment, error)
	// ListCommitments returns commitments, most recent date first.
	ListCommitments(ctx context.Context, filter CommitmentFilter) ([]Commitment, error)

	// ListAnnulments returns a commitment's annulments ordered by date.
	ListAnnulments(ctx context.Context, commitmentID CommitmentID) ([]Annulment, error)
	// ListBalanceReturns returns a note's balance returns ordered by date.
	ListBalanceReturns(ctx context.Context, creditNoteID CreditNoteID) ([]BalanceReturn, error)

	// ListAuditRecords returns the newest records first.
	ListAuditRecords(ctx context.Context, limit int) ([]AuditRecord, error)

	Totals(ctx context.Context) (Totals, error)
}

// =============================================================================
// AUDIT SINK - Append-only, shares the surrounding transaction
// =============================================================================

type AuditSink interface {
	AppendAudit(ctx context.Context, record AuditRecord) error
}

// =============================================================================
// TX - Atomic unit of work
// =============================================================================

type Tx interface {
	Reader
	AuditSink

	// Row locks ("select for update").
	LockCreditNote(ctx context.Context, id CreditNoteID) (*CreditNote, error)
	LockCommitment(ctx context.Context, id CommitmentID) (*Commitment, error)

	// Sections
	InsertSection(ctx context.Context, s *Section) error
	UpdateSection(ctx context.Context, s Section) error
	DeleteSection(ctx context.Context, id SectionID) error
	CountCreditNotesBySection(ctx context.Context, id SectionID) (int, error)
	CountCommitmentsBySection(ctx context.Context, id SectionID) (int, error)

	// Credit notes
	InsertCreditNote(ctx context.Context, n *CreditNote) error
	UpdateCreditNote(ctx context.Context, n CreditNote) error
	// DeleteCreditNote removes the note and cascades its balance returns.
	DeleteCreditNote(ctx context.Context, id CreditNoteID) error
	CountCommitments(ctx context.Context, id CreditNoteID) (int, error)

	// Commitments
	InsertCommitment(ctx context.Context, c *Commitment) error
	// DeleteCommitment removes the commitment and cascades its annulments.
	DeleteCommitment(ctx context.Context, id CommitmentID) error

	InsertAnnulment(ctx context.Context, a *Annulment) error
	InsertBalanceReturn(ctx context.Context, r *BalanceReturn) error

	// Uniqueness pre-checks. exclude skips the row being updated.
	SectionNameTaken(ctx context.Context, name string, exclude SectionID) (bool, error)
	CreditNoteNumberTaken(ctx context.Context, number string, exclude CreditNoteID) (bool, error)
	CommitmentNumberTaken(ctx context.Context, number string) (bool, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore is what the Ledger needs from a backend.
type TxStore interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
