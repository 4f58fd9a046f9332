/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Requests decode amounts into decimal.Decimal (JSON numbers or strings).
  Responses render amounts as float64 rounded to cents.

VALIDATION:
  Request shapes are checked with go-playground/validator struct tags
  (required fields, lengths, date layout). Money rules, tolerance and
  balance checks stay in the ledger package.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain entities
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// dateLayout is the wire format of calendar dates.
const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SectionRequest creates or renames a section.
type SectionRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// CreditNoteRequest creates or replaces a credit note.
type CreditNoteRequest struct {
	Number        string          `json:"number" validate:"required,max=50"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Sphere        string          `json:"sphere" validate:"max=50"`
	Source        string          `json:"source" validate:"max=10"`
	PTRES         string          `json:"ptres" validate:"max=6"`
	InternalPlan  string          `json:"internal_plan" validate:"max=50"`
	ExpenseNature string          `json:"expense_nature" validate:"omitempty,numeric,min=6,max=8"`
	Description   string          `json:"description"`
	SectionID     int64           `json:"section_id" validate:"required,gt=0"`
	ArrivalDate   string          `json:"arrival_date" validate:"omitempty,datetime=2006-01-02"`
	Deadline      string          `json:"deadline" validate:"required,datetime=2006-01-02"`
}

func (r CreditNoteRequest) toInput() ledger.CreditNoteInput {
	return ledger.CreditNoteInput{
		Number:        r.Number,
		TotalAmount:   r.TotalAmount,
		Sphere:        r.Sphere,
		Source:        r.Source,
		PTRES:         r.PTRES,
		InternalPlan:  r.InternalPlan,
		ExpenseNature: r.ExpenseNature,
		Description:   r.Description,
		SectionID:     ledger.SectionID(r.SectionID),
		ArrivalDate:   parseDate(r.ArrivalDate),
		Deadline:      parseDate(r.Deadline),
	}
}

// CommitmentRequest draws money from a credit note.
type CommitmentRequest struct {
	Number       string          `json:"number" validate:"required,max=50"`
	Amount       decimal.Decimal `json:"amount"`
	Date         string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Note         string          `json:"note"`
	CreditNoteID int64           `json:"credit_note_id" validate:"required,gt=0"`
	SectionID    int64           `json:"section_id" validate:"required,gt=0"`
}

func (r CommitmentRequest) toInput() ledger.CommitmentInput {
	return ledger.CommitmentInput{
		Number:       r.Number,
		Amount:       r.Amount,
		Date:         parseDate(r.Date),
		Note:         r.Note,
		CreditNoteID: ledger.CreditNoteID(r.CreditNoteID),
		SectionID:    ledger.SectionID(r.SectionID),
	}
}

// AnnulmentRequest reverses part of a commitment. The commitment comes
// from the URL.
type AnnulmentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Date   string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Note   string          `json:"note"`
}

// BalanceReturnRequest returns unused balance from a credit note.
type BalanceReturnRequest struct {
	CreditNoteID int64           `json:"credit_note_id" validate:"required,gt=0"`
	Amount       decimal.Decimal `json:"amount"`
	Date         string          `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Note         string          `json:"note"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type SectionDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type CreditNoteDTO struct {
	ID               int64       `json:"id"`
	Number           string      `json:"number"`
	TotalAmount      float64     `json:"total_amount"`
	AvailableBalance float64     `json:"available_balance"`
	Committed        float64     `json:"committed"`
	Status           string      `json:"status"`
	Sphere           string      `json:"sphere,omitempty"`
	Source           string      `json:"source,omitempty"`
	PTRES            string      `json:"ptres,omitempty"`
	InternalPlan     string      `json:"internal_plan,omitempty"`
	ExpenseNature    string      `json:"expense_nature,omitempty"`
	Description      string      `json:"description,omitempty"`
	SectionID        int64       `json:"section_id"`
	Section          *SectionDTO `json:"section,omitempty"`
	ArrivalDate      string      `json:"arrival_date"`
	Deadline         string      `json:"deadline"`
}

type CommitmentDTO struct {
	ID                int64          `json:"id"`
	Number            string         `json:"number"`
	Amount            float64        `json:"amount"`
	ExecutableBalance *float64       `json:"executable_balance,omitempty"`
	Date              string         `json:"date"`
	Note              string         `json:"note,omitempty"`
	CreditNoteID      int64          `json:"credit_note_id"`
	SectionID         int64          `json:"section_id"`
	CreditNote        *CreditNoteDTO `json:"credit_note,omitempty"`
	Section           *SectionDTO    `json:"section,omitempty"`
}

type AnnulmentDTO struct {
	ID           int64   `json:"id"`
	CommitmentID int64   `json:"commitment_id"`
	Amount       float64 `json:"amount"`
	Date         string  `json:"date"`
	Note         string  `json:"note,omitempty"`
}

type BalanceReturnDTO struct {
	ID           int64   `json:"id"`
	CreditNoteID int64   `json:"credit_note_id"`
	Amount       float64 `json:"amount"`
	Date         string  `json:"date"`
	Note         string  `json:"note,omitempty"`
}

type AuditRecordDTO struct {
	ID         string `json:"id"`
	OccurredAt string `json:"occurred_at"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	Detail     string `json:"detail"`
}

type SummaryDTO struct {
	AvailableBalance float64 `json:"available_balance"`
	NetCommitted     float64 `json:"net_committed"`
	ActiveNotes      int     `json:"active_notes"`
}

type ReconciliationDTO struct {
	CreditNoteID int64   `json:"credit_note_id"`
	Stored       float64 `json:"stored"`
	Expected     float64 `json:"expected"`
	Balanced     bool    `json:"balanced"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func money(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// parseDate expects a layout already checked by the validator.
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toSectionDTO(s ledger.Section) SectionDTO {
	return SectionDTO{ID: int64(s.ID), Name: s.Name}
}

func toCreditNoteDTO(n ledger.CreditNote) CreditNoteDTO {
	dto := CreditNoteDTO{
		ID:               int64(n.ID),
		Number:           n.Number,
		TotalAmount:      money(n.TotalAmount),
		AvailableBalance: money(n.Available),
		Committed:        money(n.Committed()),
		Status:           string(n.Status),
		Sphere:           n.Sphere,
		Source:           n.Source,
		PTRES:            n.PTRES,
		InternalPlan:     n.InternalPlan,
		ExpenseNature:    n.ExpenseNature,
		Description:      n.Description,
		SectionID:        int64(n.SectionID),
		ArrivalDate:      formatDate(n.ArrivalDate),
		Deadline:         formatDate(n.Deadline),
	}
	if n.Section != nil {
		s := toSectionDTO(*n.Section)
		dto.Section = &s
	}
	return dto
}

func toCommitmentDTO(c ledger.Commitment) CommitmentDTO {
	dto := CommitmentDTO{
		ID:           int64(c.ID),
		Number:       c.Number,
		Amount:       money(c.Amount),
		Date:         formatDate(c.Date),
		Note:         c.Note,
		CreditNoteID: int64(c.CreditNoteID),
		SectionID:    int64(c.SectionID),
	}
	if c.CreditNote != nil {
		n := toCreditNoteDTO(*c.CreditNote)
		dto.CreditNote = &n
	}
	if c.Section != nil {
		s := toSectionDTO(*c.Section)
		dto.Section = &s
	}
	return dto
}

func toAnnulmentDTO(a ledger.Annulment) AnnulmentDTO {
	return AnnulmentDTO{
		ID:           int64(a.ID),
		CommitmentID: int64(a.CommitmentID),
		Amount:       money(a.Amount),
		Date:         formatDate(a.Date),
		Note:         a.Note,
	}
}

func toBalanceReturnDTO(r ledger.BalanceReturn) BalanceReturnDTO {
	return BalanceReturnDTO{
		ID:           int64(r.ID),
		CreditNoteID: int64(r.CreditNoteID),
		Amount:       money(r.Amount),
		Date:         formatDate(r.Date),
		Note:         r.Note,
	}
}

func toAuditRecordDTO(r ledger.AuditRecord) AuditRecordDTO {
	return AuditRecordDTO{
		ID:         r.ID,
		OccurredAt: r.OccurredAt.UTC().Format(time.RFC3339),
		Actor:      r.Actor,
		Action:     string(r.Action),
		Detail:     r.Detail,
	}
}

// mapSlice converts a slice, returning [] rather than null for empty input.
func mapSlice[T, D any](in []T, f func(T) D) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
