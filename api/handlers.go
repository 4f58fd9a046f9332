/*
handlers.go - HTTP API handlers for the credit note ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization and input shape validation, and delegates every rule to
  the ledger package.

ENDPOINTS:
  Sections:
    GET    /api/sections                      List sections
    POST   /api/sections                      Create section
    GET    /api/sections/{id}                 Get section
    PUT    /api/sections/{id}                 Rename section (admin)
    DELETE /api/sections/{id}                 Delete section (admin)

  Credit notes:
    GET    /api/credit-notes                  List (filters: number, internal_plan,
                                              expense_nature, section_id, status)
    POST   /api/credit-notes                  Create
    GET    /api/credit-notes/{id}             Get
    PUT    /api/credit-notes/{id}             Update (re-derives the balance)
    DELETE /api/credit-notes/{id}             Delete (admin)
    GET    /api/credit-notes/{id}/commitments     Commitments drawn from the note
    GET    /api/credit-notes/{id}/balance-returns Balance returns of the note
    GET    /api/credit-notes/{id}/reconciliation  Stored vs recomputed balance

  Commitments:
    GET    /api/commitments                   List (filters: credit_note_id, number)
    POST   /api/commitments                   Create
    GET    /api/commitments/{id}              Get (with executable balance)
    DELETE /api/commitments/{id}              Delete (admin)
    GET    /api/commitments/{id}/annulments   List annulments
    POST   /api/commitments/{id}/annulments   Annul part of the commitment

  Balance returns:
    POST   /api/balance-returns               Return unused balance

  Dashboard:
    GET    /api/dashboard/summary             Totals
    GET    /api/dashboard/warnings?days=N     Active notes near their deadline

  Audit:
    GET    /api/audit-logs?limit=N            Newest first (admin)

ERROR HANDLING:
  writeLedgerError is the single place mapping ledger errors to status:
  - 400: Validation, invalid state, insufficient balance
  - 401: Missing or invalid token (auth.go)
  - 403: Operation needs the admin role
  - 404: Resource not found
  - 409: Conflict (duplicate number, dependent records)
  - 500: Internal errors (logged, details hidden)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/observability"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *ledger.Ledger
	Logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler creates a handler over the ledger.
func NewHandler(l *ledger.Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Ledger: l, Logger: logger, validate: v}
}

// =============================================================================
// SECTION HANDLERS
// =============================================================================

// ListSections returns all sections by name.
// GET /api/sections
func (h *Handler) ListSections(w http.ResponseWriter, r *http.Request) {
	sections, err := h.Ledger.ListSections(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(sections, toSectionDTO))
}

// CreateSection adds a section.
// POST /api/sections
func (h *Handler) CreateSection(w http.ResponseWriter, r *http.Request) {
	var req SectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.Ledger.CreateSection(r.Context(), ActorFrom(r.Context()), req.Name)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSectionDTO(*s))
}

// GetSection returns one section.
// GET /api/sections/{id}
func (h *Handler) GetSection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	s, err := h.Ledger.GetSection(r.Context(), ledger.SectionID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSectionDTO(*s))
}

// RenameSection changes a section's name.
// PUT /api/sections/{id}
func (h *Handler) RenameSection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req SectionRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.Ledger.RenameSection(r.Context(), ActorFrom(r.Context()), ledger.SectionID(id), req.Name)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSectionDTO(*s))
}

// DeleteSection removes an unreferenced section.
// DELETE /api/sections/{id}
func (h *Handler) DeleteSection(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteSection(r.Context(), ActorFrom(r.Context()), ledger.SectionID(id)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CREDIT NOTE HANDLERS
// =============================================================================

// ListCreditNotes returns notes matching the query filters.
// GET /api/credit-notes?number=&internal_plan=&expense_nature=&section_id=&status=
func (h *Handler) ListCreditNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.CreditNoteFilter{
		Number:        q.Get("number"),
		InternalPlan:  q.Get("internal_plan"),
		ExpenseNature: q.Get("expense_nature"),
		Status:        ledger.Status(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.writeLedgerError(w, r, &ledger.ValidationError{Field: "status", Message: "unknown status"})
		return
	}
	if v := q.Get("section_id"); v != "" {
		id, err := parseID("section_id", v)
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		filter.SectionID = ledger.SectionID(id)
	}

	notes, err := h.Ledger.ListCreditNotes(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(notes, toCreditNoteDTO))
}

// CreateCreditNote registers a note with its full amount available.
// POST /api/credit-notes
func (h *Handler) CreateCreditNote(w http.ResponseWriter, r *http.Request) {
	var req CreditNoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.Ledger.CreateCreditNote(r.Context(), ActorFrom(r.Context()), req.toInput())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditNoteDTO(*n))
}

// GetCreditNote returns one note with its section.
// GET /api/credit-notes/{id}
func (h *Handler) GetCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	n, err := h.Ledger.GetCreditNote(r.Context(), ledger.CreditNoteID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(*n))
}

// UpdateCreditNote replaces a note's fields and shifts its balance by the
// change in total amount.
// PUT /api/credit-notes/{id}
func (h *Handler) UpdateCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req CreditNoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	n, err := h.Ledger.UpdateCreditNote(r.Context(), ActorFrom(r.Context()), ledger.CreditNoteID(id), req.toInput())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditNoteDTO(*n))
}

// DeleteCreditNote removes a note with no commitments.
// DELETE /api/credit-notes/{id}
func (h *Handler) DeleteCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteCreditNote(r.Context(), ActorFrom(r.Context()), ledger.CreditNoteID(id)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNoteCommitments returns the commitments drawn from a note.
// GET /api/credit-notes/{id}/commitments
func (h *Handler) ListNoteCommitments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.Ledger.GetCreditNote(r.Context(), ledger.CreditNoteID(id)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	commitments, err := h.Ledger.ListCommitments(r.Context(), ledger.CommitmentFilter{CreditNoteID: ledger.CreditNoteID(id)})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(commitments, toCommitmentDTO))
}

// ListBalanceReturns returns a note's balance returns.
// GET /api/credit-notes/{id}/balance-returns
func (h *Handler) ListBalanceReturns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	returns, err := h.Ledger.ListBalanceReturns(r.Context(), ledger.CreditNoteID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(returns, toBalanceReturnDTO))
}

// ReconcileCreditNote compares the stored balance with one recomputed from
// the note's movements.
// GET /api/credit-notes/{id}/reconciliation
func (h *Handler) ReconcileCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.Ledger.Reconcile(r.Context(), ledger.CreditNoteID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		CreditNoteID: int64(rec.CreditNoteID),
		Stored:       money(rec.Stored),
		Expected:     money(rec.Expected),
		Balanced:     rec.Balanced(),
	})
}

// =============================================================================
// COMMITMENT HANDLERS
// =============================================================================

// ListCommitments returns commitments, newest first.
// GET /api/commitments?credit_note_id=&number=
func (h *Handler) ListCommitments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.CommitmentFilter{Number: q.Get("number")}
	if v := q.Get("credit_note_id"); v != "" {
		id, err := parseID("credit_note_id", v)
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		filter.CreditNoteID = ledger.CreditNoteID(id)
	}
	commitments, err := h.Ledger.ListCommitments(r.Context(), filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(commitments, toCommitmentDTO))
}

// CreateCommitment draws money from an Active credit note.
// POST /api/commitments
func (h *Handler) CreateCommitment(w http.ResponseWriter, r *http.Request) {
	var req CommitmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Ledger.CreateCommitment(r.Context(), ActorFrom(r.Context()), req.toInput())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommitmentDTO(*c))
}

// GetCommitment returns a commitment with its executable balance.
// GET /api/commitments/{id}
func (h *Handler) GetCommitment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	c, err := h.Ledger.GetCommitment(r.Context(), ledger.CommitmentID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	annulments, err := h.Ledger.ListAnnulments(r.Context(), c.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dto := toCommitmentDTO(*c)
	executable := money(ledger.ExecutableBalance(*c, annulments))
	dto.ExecutableBalance = &executable
	writeJSON(w, http.StatusOK, dto)
}

// DeleteCommitment removes a commitment without annulments and credits
// its amount back to the note.
// DELETE /api/commitments/{id}
func (h *Handler) DeleteCommitment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.Ledger.DeleteCommitment(r.Context(), ActorFrom(r.Context()), ledger.CommitmentID(id)); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ANNULMENT AND BALANCE RETURN HANDLERS
// =============================================================================

// ListAnnulments returns a commitment's annulments, oldest first.
// GET /api/commitments/{id}/annulments
func (h *Handler) ListAnnulments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	annulments, err := h.Ledger.ListAnnulments(r.Context(), ledger.CommitmentID(id))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(annulments, toAnnulmentDTO))
}

// CreateAnnulment reverses part of a commitment.
// POST /api/commitments/{id}/annulments
func (h *Handler) CreateAnnulment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req AnnulmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.Ledger.CreateAnnulment(r.Context(), ActorFrom(r.Context()), ledger.AnnulmentInput{
		CommitmentID: ledger.CommitmentID(id),
		Amount:       req.Amount,
		Date:         parseDate(req.Date),
		Note:         req.Note,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAnnulmentDTO(*a))
}

// CreateBalanceReturn removes unused balance from a note.
// POST /api/balance-returns
func (h *Handler) CreateBalanceReturn(w http.ResponseWriter, r *http.Request) {
	var req BalanceReturnRequest
	if !h.decode(w, r, &req) {
		return
	}
	br, err := h.Ledger.CreateBalanceReturn(r.Context(), ActorFrom(r.Context()), ledger.BalanceReturnInput{
		CreditNoteID: ledger.CreditNoteID(req.CreditNoteID),
		Amount:       req.Amount,
		Date:         parseDate(req.Date),
		Note:         req.Note,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceReturnDTO(*br))
}

// =============================================================================
// DASHBOARD AND AUDIT HANDLERS
// =============================================================================

// GetSummary returns ledger-wide totals.
// GET /api/dashboard/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Ledger.Summary(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		AvailableBalance: money(s.AvailableBalance),
		NetCommitted:     money(s.NetCommitted),
		ActiveNotes:      s.ActiveNotes,
	})
}

// GetDeadlineWarnings returns Active notes due within ?days (default 7).
// GET /api/dashboard/warnings?days=N
func (h *Handler) GetDeadlineWarnings(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days")
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	notes, err := h.Ledger.DeadlineWarnings(r.Context(), days)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(notes, toCreditNoteDTO))
}

// ListAuditRecords returns the newest audit records.
// GET /api/audit-logs?limit=N
func (h *Handler) ListAuditRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	records, err := h.Ledger.ListAuditRecords(r.Context(), ActorFrom(r.Context()), limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(records, toAuditRecordDTO))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads a JSON body and checks its struct tags. It writes the error
// response itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeLedgerError(w, r, validationError(err))
		return false
	}
	return true
}

// validationError turns the first validator failure into a ledger error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ledger.ValidationError{Field: "body", Message: err.Error()}
	}
	fe := verrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "max":
		msg = fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		msg = fmt.Sprintf("must be at least %s characters", fe.Param())
	case "gt":
		msg = fmt.Sprintf("must be greater than %s", fe.Param())
	case "numeric":
		msg = "must contain only digits"
	case "datetime":
		msg = "must be a date formatted as YYYY-MM-DD"
	default:
		msg = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return &ledger.ValidationError{Field: fe.Field(), Message: msg}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID("id", chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return 0, false
	}
	return id, true
}

func parseID(field, v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, &ledger.ValidationError{Field: field, Message: "must be a positive integer"}
	}
	return id, nil
}

// queryInt reads an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ledger.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

// statusFor maps a ledger error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeLedgerError writes err with its mapped status. Internal errors are
// logged and their text withheld.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, ErrorResponse{Error: "internal error", Code: observability.Outcome(err)})
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: observability.Outcome(err)}
	var ib *ledger.InsufficientBalanceError
	var se *ledger.ShortfallError
	var ve *ledger.ValidationError
	switch {
	case errors.As(err, &ib):
		resp.Details = map[string]float64{
			"requested": money(ib.Requested),
			"available": money(ib.Available),
			"shortfall": money(ib.Shortfall()),
		}
	case errors.As(err, &se):
		resp.Details = map[string]float64{
			"new_total": money(se.NewTotal),
			"committed": money(se.Committed),
			"shortfall": money(se.Shortfall()),
		}
	case errors.As(err, &ve):
		resp.Details = map[string]string{"field": ve.Field}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
