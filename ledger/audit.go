package ledger

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT LOG - Separate from balances, tracks who did what when
// =============================================================================

// AuditRecord records who did what when. Records are immutable and the
// ledger never deletes them.
type AuditRecord struct {
	ID         string
	OccurredAt time.Time
	Actor      string
	Action     AuditAction
	Detail     string
}

type AuditAction string

const (
	AuditSectionCreated       AuditAction = "SECTION_CREATED"
	AuditSectionUpdated       AuditAction = "SECTION_UPDATED"
	AuditSectionDeleted       AuditAction = "SECTION_DELETED"
	AuditCreditNoteCreated    AuditAction = "CREDIT_NOTE_CREATED"
	AuditCreditNoteUpdated    AuditAction = "CREDIT_NOTE_UPDATED"
	AuditCreditNoteDeleted    AuditAction = "CREDIT_NOTE_DELETED"
	AuditCommitmentCreated    AuditAction = "COMMITMENT_CREATED"
	AuditCommitmentDeleted    AuditAction = "COMMITMENT_DELETED"
	AuditAnnulmentCreated     AuditAction = "ANNULMENT_CREATED"
	AuditBalanceReturnCreated AuditAction = "BALANCE_RETURN_CREATED"
)

// NewAuditRecord stamps a record with a fresh ID.
func NewAuditRecord(at time.Time, actor Actor, action AuditAction, detail string) AuditRecord {
	return AuditRecord{
		ID:         uuid.NewString(),
		OccurredAt: at.UTC(),
		Actor:      actor.Name,
		Action:     action,
		Detail:     detail,
	}
}
