/*
Package ledger provides the balance-conservation core for credit notes.

PURPOSE:
  A credit note ("Nota de Crédito") is an allotted sum of money. Money leaves
  its available balance through commitments ("Empenhos") and balance returns
  ("Recolhimentos"), and comes back through commitment deletions and
  annulments ("Anulações"). This package owns the rules that keep the
  available balance consistent while those movements happen concurrently.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amounts: decimal.Decimal values compared with a fixed 0.01 tolerance
  - Entities: Section, CreditNote, Commitment, Annulment, BalanceReturn
  - Status: Active, FullyCommitted, Returned
  - Actor: who performs a mutation (operator or admin)

CONSERVATION INVARIANT:
  available = total
            - Σ live commitments
            - Σ balance returns
            + Σ annulments (across all commitments of the note)

  The available balance is a stored running total. Every mutation of a
  dependent row applies the matching delta inside the same transaction,
  under the same per-note lock.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal, never float64, inside the core
  2. Tolerance: comparisons absorb one cent (Tolerance) exactly like the
     system this replaces did, so operators see the same accept/reject
     decisions
  3. Type safety: distinct ID types per entity

SEE ALSO:
  - status.go: Pure status derivation
  - ledger.go: The mutating operations
  - store.go: Persistence contract
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNTS
// =============================================================================

// Tolerance is the absolute slack applied to every balance comparison.
var Tolerance = decimal.New(1, -2)

// Money builds an amount from a float literal. Intended for tests and seeds.
func Money(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// exceeds reports whether requested is larger than available beyond Tolerance.
func exceeds(requested, available decimal.Decimal) bool {
	return requested.GreaterThan(available.Add(Tolerance))
}

// belowTolerance reports whether a balance counts as zero.
func belowTolerance(balance decimal.Decimal) bool {
	return balance.LessThan(Tolerance)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SectionID int64
type CreditNoteID int64
type CommitmentID int64
type AnnulmentID int64
type BalanceReturnID int64

// =============================================================================
// DATES
// =============================================================================

// Date returns midnight UTC of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DayOf truncates t to its calendar day in UTC.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusActive         Status = "active"
	StatusFullyCommitted Status = "fully_committed"
	StatusReturned       Status = "returned"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusFullyCommitted, StatusReturned:
		return true
	}
	return false
}

// =============================================================================
// ENTITIES
// =============================================================================

// Section is an organizational unit. It is responsible for credit notes and
// requests commitments.
type Section struct {
	ID   SectionID
	Name string
}

// CreditNote is an allotted budget amount available for draw-down.
type CreditNote struct {
	ID          CreditNoteID
	Number      string
	TotalAmount decimal.Decimal
	Available   decimal.Decimal
	Status      Status

	Sphere        string // esfera
	Source        string // fonte
	PTRES         string
	InternalPlan  string // plano interno
	ExpenseNature string // natureza de despesa (ND)
	Description   string

	SectionID   SectionID
	Section     *Section
	ArrivalDate time.Time
	Deadline    time.Time // commitment deadline
}

// Committed returns the amount drawn down so far, net of annulments and returns.
func (n CreditNote) Committed() decimal.Decimal {
	return n.TotalAmount.Sub(n.Available)
}

// Commitment draws money down from a credit note for a requesting section.
type Commitment struct {
	ID           CommitmentID
	Number       string
	Amount       decimal.Decimal
	Date         time.Time
	Note         string
	CreditNoteID CreditNoteID
	SectionID    SectionID

	// Loaded associations (nil unless hydrated).
	CreditNote *CreditNote
	Section    *Section
}

// Annulment partially or fully reverses a commitment.
type Annulment struct {
	ID           AnnulmentID
	CommitmentID CommitmentID
	Amount       decimal.Decimal
	Date         time.Time
	Note         string
}

// BalanceReturn permanently removes unused balance from a credit note.
type BalanceReturn struct {
	ID           BalanceReturnID
	CreditNoteID CreditNoteID
	Amount       decimal.Decimal
	Date         time.Time
	Note         string
}

// =============================================================================
// ACTOR
// =============================================================================

type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Actor is the identity recorded in the audit log for a mutation.
type Actor struct {
	Name string
	Role Role
}

// Elevated reports whether the actor may run destructive operations.
func (a Actor) Elevated() bool { return a.Role == RoleAdmin }

// System is the actor used by seeds and maintenance commands.
var System = Actor{Name: "system", Role: RoleAdmin}
