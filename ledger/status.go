package ledger

import "github.com/shopspring/decimal"

// =============================================================================
// STATUS DERIVATION
// =============================================================================

// Movement classifies the balance change that was just applied to a note.
// The FullyCommitted/Returned distinction depends on which path drove the
// balance to zero, so the status cannot be derived from the balance alone.
type Movement int

const (
	// MovementCommit is a debit caused by a new commitment.
	MovementCommit Movement = iota
	// MovementReturn is a debit caused by a balance return.
	MovementReturn
	// MovementCredit is a commitment deletion or an annulment.
	MovementCredit
	// MovementRevision is a change of the note's total amount.
	MovementRevision
)

func (m Movement) String() string {
	switch m {
	case MovementCommit:
		return "commit"
	case MovementReturn:
		return "return"
	case MovementCredit:
		return "credit"
	case MovementRevision:
		return "revision"
	}
	return "unknown"
}

// Settle returns the stored balance and status after a movement left the
// note with the given raw balance.
//
// RULES:
//   - Debits that leave less than Tolerance clamp to exactly zero and mark
//     the note FullyCommitted (commit) or Returned (return).
//   - Credits reactivate the note once the balance reaches Tolerance. Credits
//     are never clamped, so no money disappears.
//   - Revisions clamp within Tolerance. A note revised down to zero keeps a
//     non-Active status, an Active one becomes FullyCommitted. The ledger
//     settles an Active note drained by a revision as the debit that
//     consumed its money instead (see revisionMovement).
func Settle(current Status, balance decimal.Decimal, m Movement) (decimal.Decimal, Status) {
	switch m {
	case MovementCommit, MovementReturn:
		if !belowTolerance(balance) {
			return balance, current
		}
		if m == MovementCommit {
			return decimal.Zero, StatusFullyCommitted
		}
		return decimal.Zero, StatusReturned

	case MovementCredit:
		if belowTolerance(balance) {
			return balance, current
		}
		return balance, StatusActive

	case MovementRevision:
		if !belowTolerance(balance) {
			return balance, StatusActive
		}
		if current == StatusActive {
			return decimal.Zero, StatusFullyCommitted
		}
		return decimal.Zero, current
	}
	return balance, current
}
