/*
ledger.go - Balance-conserving operations on credit notes

PURPOSE:
  The Ledger is the only component allowed to change a credit note's
  available balance. Every mutation follows the same shape:

    1. Acquire the per-note lock
    2. Open a store transaction
    3. Re-read the rows (under row lock) and check every precondition
    4. Write the dependent row, apply the balance delta, settle the status
    5. Append one audit record
    6. Commit, or roll everything back on the first error

  Preconditions are validated before any write, so a rejected request
  leaves no trace, not even an audit record.

LOCK ORDERING:
  Operations addressed by commitment (DeleteCommitment, CreateAnnulment)
  first resolve the owning note with a lock-free read, then take the note
  lock, then re-read the commitment inside the transaction. A commitment
  never changes notes, so the lock always covers the right balance.

  Section operations do not touch balances and rely on the store
  transaction alone.

TOLERANCE:
  Every "amount <= balance" check accepts one cent over (see exceeds). A
  debit that leaves less than one cent clamps the stored balance to zero.

SEE ALSO:
  - status.go: Settle, the status derivation rules
  - store.go: Persistence contract
  - errors.go: What each operation can return
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OBSERVER - Hooks for metrics, kept out of the core
// =============================================================================

// Operation names a ledger entry point for observers and logs.
type Operation string

const (
	OpCreateSection       Operation = "create_section"
	OpRenameSection       Operation = "rename_section"
	OpDeleteSection       Operation = "delete_section"
	OpCreateCreditNote    Operation = "create_credit_note"
	OpUpdateCreditNote    Operation = "update_credit_note"
	OpDeleteCreditNote    Operation = "delete_credit_note"
	OpCreateCommitment    Operation = "create_commitment"
	OpDeleteCommitment    Operation = "delete_commitment"
	OpCreateAnnulment     Operation = "create_annulment"
	OpCreateBalanceReturn Operation = "create_balance_return"
)

// Observer receives the outcome of every mutating operation after the
// transaction finished. Implementations must not block.
type Observer interface {
	// OperationFinished is called once per operation; err is nil on commit.
	OperationFinished(op Operation, elapsed time.Duration, err error)
	// StatusChanged is called for each committed status transition.
	StatusChanged(from, to Status)
}

type nopObserver struct{}

func (nopObserver) OperationFinished(Operation, time.Duration, error) {}
func (nopObserver) StatusChanged(Status, Status)                     {}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    TxStore
	locks    *noteLocks
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Ledger)

func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.observer = o
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source used for audit timestamps, default
// dates and deadline windows.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		locks:    newNoteLocks(),
		observer: nopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// unit of work state shared between mutate and the operation body
type work struct {
	tx          Tx
	at          time.Time
	transitions [][2]Status
}

func (w *work) settle(n *CreditNote, m Movement) {
	before := n.Status
	n.Available, n.Status = Settle(n.Status, n.Available, m)
	if before != n.Status {
		w.transitions = append(w.transitions, [2]Status{before, n.Status})
	}
}

func (w *work) audit(ctx context.Context, actor Actor, action AuditAction, format string, args ...any) error {
	rec := NewAuditRecord(w.at, actor, action, fmt.Sprintf(format, args...))
	if err := w.tx.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// mutate runs fn in a transaction, holding the note lock when note != 0,
// and reports the outcome to the observer.
func (l *Ledger) mutate(ctx context.Context, op Operation, note CreditNoteID, fn func(*work) error) error {
	start := time.Now()
	if note != 0 {
		release := l.locks.Lock(note)
		defer release()
	}

	w := &work{at: l.now()}
	err := l.store.WithTx(ctx, func(tx Tx) error {
		w.tx = tx
		return fn(w)
	})
	err = translateStoreError(err)

	l.observer.OperationFinished(op, time.Since(start), err)
	if err != nil {
		if !IsClientError(err) {
			l.logger.ErrorContext(ctx, "ledger operation failed", "op", op, "error", err)
		}
		return err
	}
	for _, t := range w.transitions {
		l.observer.StatusChanged(t[0], t[1])
	}
	l.logger.DebugContext(ctx, "ledger operation committed", "op", op, "credit_note", note)
	return nil
}

// translateStoreError turns unique violations detected at write time into
// conflicts so callers never see a raw driver error for them.
func translateStoreError(err error) error {
	if err == nil || IsClientError(err) {
		return err
	}
	if errors.Is(err, ErrDuplicateKey) {
		return &ConflictError{Resource: "unique key", Reason: err.Error()}
	}
	return err
}

// =============================================================================
// INPUT VALIDATION
// =============================================================================

var expenseNaturePattern = regexp.MustCompile(`^[0-9]{6,8}$`)

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return &ValidationError{Field: field, Message: "must be greater than zero"}
	}
	return nil
}

func requireText(field, v string, max int) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Message: "must not be blank"}
	}
	if max > 0 && utf8.RuneCountInString(v) > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
	}
	return nil
}

// Today is the current calendar day by the ledger clock.
func (l *Ledger) Today() time.Time { return DayOf(l.now()) }

func (l *Ledger) dateOr(d time.Time) time.Time {
	if d.IsZero() {
		return l.Today()
	}
	return DayOf(d)
}

// =============================================================================
// SECTIONS
// =============================================================================

func (l *Ledger) CreateSection(ctx context.Context, actor Actor, name string) (*Section, error) {
	name = strings.TrimSpace(name)
	if err := requireText("name", name, 100); err != nil {
		return nil, err
	}

	var created Section
	err := l.mutate(ctx, OpCreateSection, 0, func(w *work) error {
		taken, err := w.tx.SectionNameTaken(ctx, name, 0)
		if err != nil {
			return err
		}
		if taken {
			return &ConflictError{Resource: "section", Reason: fmt.Sprintf("name %q already exists", name)}
		}
		created = Section{Name: name}
		if err := w.tx.InsertSection(ctx, &created); err != nil {
			return err
		}
		return w.audit(ctx, actor, AuditSectionCreated, "section %q created (id %d)", name, created.ID)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (l *Ledger) RenameSection(ctx context.Context, actor Actor, id SectionID, name string) (*Section, error) {
	if !actor.Elevated() {
		return nil, &ForbiddenError{Actor: actor.Name, Action: "rename sections"}
	}
	name = strings.TrimSpace(name)
	if err := requireText("name", name, 100); err != nil {
		return nil, err
	}

	var updated Section
	err := l.mutate(ctx, OpRenameSection, 0, func(w *work) error {
		s, err := w.tx.GetSection(ctx, id)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("section", int64(id))
		}
		taken, err := w.tx.SectionNameTaken(ctx, name, id)
		if err != nil {
			return err
		}
		if taken {
			return &ConflictError{Resource: "section", Reason: fmt.Sprintf("name %q already exists", name)}
		}
		old := s.Name
		updated = Section{ID: id, Name: name}
		if err := w.tx.UpdateSection(ctx, updated); err != nil {
			return err
		}
		return w.audit(ctx, actor, AuditSectionUpdated, "section %d renamed from %q to %q", id, old, name)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (l *Ledger) DeleteSection(ctx context.Context, actor Actor, id SectionID) error {
	if !actor.Elevated() {
		return &ForbiddenError{Actor: actor.Name, Action: "delete sections"}
	}
	return l.mutate(ctx, OpDeleteSection, 0, func(w *work) error {
		s, err := w.tx.GetSection(ctx, id)
		if err != nil {
			return err
		}
		if s == nil {
			return notFound("section", int64(id))
		}
		notes, err := w.tx.CountCreditNotesBySection(ctx, id)
		if err != nil {
			return err
		}
		if notes > 0 {
			return &ConflictError{Resource: "section", Reason: fmt.Sprintf("%q is responsible for %d credit notes", s.Name, notes)}
		}
		commitments, err := w.tx.CountCommitmentsBySection(ctx, id)
		if err != nil {
			return err
		}
		if commitments > 0 {
			return &ConflictError{Resource: "section", Reason: fmt.Sprintf("%q requested %d commitments", s.Name, commitments)}
		}
		if err := w.tx.DeleteSection(ctx, id); err != nil {
			return err
		}
		return w.audit(ctx, actor, AuditSectionDeleted, "section %q deleted (id %d)", s.Name, id)
	})
}

// =============================================================================
// CREDIT NOTES
// =============================================================================

// CreditNoteInput carries the editable fields of a credit note.
type CreditNoteInput struct {
	Number        string
	TotalAmount   decimal.Decimal
	Sphere        string
	Source        string
	PTRES         string
	InternalPlan  string
	ExpenseNature string
	Description   string
	SectionID     SectionID
	ArrivalDate   time.Time // defaults to today
	Deadline      time.Time
}

func (in *CreditNoteInput) normalize() error {
	in.Number = strings.TrimSpace(in.Number)
	in.Source = strings.TrimSpace(in.Source)
	in.PTRES = strings.TrimSpace(in.PTRES)
	in.ExpenseNature = strings.TrimSpace(in.ExpenseNature)

	if err := requireText("number", in.Number, 50); err != nil {
		return err
	}
	if err := requirePositive("total_amount", in.TotalAmount); err != nil {
		return err
	}
	if utf8.RuneCountInString(in.Source) > 10 {
		return &ValidationError{Field: "source", Message: "must be at most 10 characters"}
	}
	if utf8.RuneCountInString(in.PTRES) > 6 {
		return &ValidationError{Field: "ptres", Message: "must be at most 6 characters"}
	}
	if in.ExpenseNature != "" && !expenseNaturePattern.MatchString(in.ExpenseNature) {
		return &ValidationError{Field: "expense_nature", Message: "must have 6 to 8 digits"}
	}
	if in.Deadline.IsZero() {
		return &ValidationError{Field: "deadline", Message: "is required"}
	}
	return nil
}

func (in CreditNoteInput) applyTo(n *CreditNote) {
	n.Number = in.Number
	n.TotalAmount = in.TotalAmount
	n.Sphere = in.Sphere
	n.Source = in.Source
	n.PTRES = in.PTRES
	n.InternalPlan = in.InternalPlan
	n.ExpenseNature = in.ExpenseNature
	n.Description = in.Description
	n.SectionID = in.SectionID
	n.Deadline = DayOf(in.Deadline)
}

func (l *Ledger) CreateCreditNote(ctx context.Context, actor Actor, in CreditNoteInput) (*CreditNote, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var created CreditNote
	err := l.mutate(ctx, OpCreateCreditNote, 0, func(w *work) error {
		section, err := w.tx.GetSection(ctx, in.SectionID)
		if err != nil {
			return err
		}
		if section == nil {
			return notFound("section", int64(in.SectionID))
		}
		taken, err := w.tx.CreditNoteNumberTaken(ctx, in.Number, 0)
		if err != nil {
			return err
		}
		if taken {
			return &ConflictError{Resource: "credit note", Reason: fmt.Sprintf("number %q already exists", in.Number)}
		}

		created = CreditNote{Status: StatusActive, ArrivalDate: l.dateOr(in.ArrivalDate)}
		in.applyTo(&created)
		created.Available = created.TotalAmount
		if err := w.tx.InsertCreditNote(ctx, &created); err != nil {
			return err
		}
		created.Section = section
		return w.audit(ctx, actor, AuditCreditNoteCreated, "credit note %q created with total %s",
			created.Number, created.TotalAmount.StringFixed(2))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateCreditNote replaces the editable fields. A new total shifts the
// available balance by the same delta, keeping the committed amount fixed.
func (l *Ledger) UpdateCreditNote(ctx context.Context, actor Actor, id CreditNoteID, in CreditNoteInput) (*CreditNote, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var updated CreditNote
	err := l.mutate(ctx, OpUpdateCreditNote, id, func(w *work) error {
		n, err := w.tx.LockCreditNote(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return notFound("credit note", int64(id))
		}
		section, err := w.tx.GetSection(ctx, in.SectionID)
		if err != nil {
			return err
		}
		if section == nil {
			return notFound("section", int64(in.SectionID))
		}

		committed := n.Committed()
		balance := in.TotalAmount.Sub(committed)
		if balance.LessThan(Tolerance.Neg()) {
			return &ShortfallError{Number: n.Number, NewTotal: in.TotalAmount, Committed: committed}
		}

		if in.Number != n.Number {
			taken, err := w.tx.CreditNoteNumberTaken(ctx, in.Number, id)
			if err != nil {
				return err
			}
			if taken {
				return &ConflictError{Resource: "credit note", Reason: fmt.Sprintf("number %q already exists", in.Number)}
			}
		}

		oldTotal := n.TotalAmount
		in.applyTo(n)
		if !in.ArrivalDate.IsZero() {
			n.ArrivalDate = DayOf(in.ArrivalDate)
		}
		n.Available = balance
		m, err := revisionMovement(ctx, w.tx, n, committed)
		if err != nil {
			return err
		}
		w.settle(n, m)
		if err := w.tx.UpdateCreditNote(ctx, *n); err != nil {
			return err
		}
		n.Section = section
		updated = *n
		return w.audit(ctx, actor, AuditCreditNoteUpdated, "credit note %q updated, total %s -> %s, available %s",
			n.Number, oldTotal.StringFixed(2), n.TotalAmount.StringFixed(2), n.Available.StringFixed(2))
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// revisionMovement picks how a revision settles. An Active note revised to
// zero is drained by whatever consumed its money: FullyCommitted only when
// live commitments remain, Returned when balance returns took all of it.
func revisionMovement(ctx context.Context, tx Tx, n *CreditNote, committed decimal.Decimal) (Movement, error) {
	if n.Status != StatusActive || !belowTolerance(n.Available) {
		return MovementRevision, nil
	}
	returns, err := tx.ListBalanceReturns(ctx, n.ID)
	if err != nil {
		return 0, err
	}
	returned := decimal.Zero
	for _, r := range returns {
		returned = returned.Add(r.Amount)
	}
	if committed.Sub(returned).IsPositive() {
		return MovementCommit, nil
	}
	return MovementReturn, nil
}

// DeleteCreditNote removes a note without commitments. Its balance returns
// go with it.
func (l *Ledger) DeleteCreditNote(ctx context.Context, actor Actor, id CreditNoteID) error {
	if !actor.Elevated() {
		return &ForbiddenError{Actor: actor.Name, Action: "delete credit notes"}
	}
	return l.mutate(ctx, OpDeleteCreditNote, id, func(w *work) error {
		n, err := w.tx.LockCreditNote(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return notFound("credit note", int64(id))
		}
		count, err := w.tx.CountCommitments(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return &ConflictError{
				Resource: "credit note",
				Reason:   fmt.Sprintf("%q still has %d commitments", n.Number, count),
			}
		}
		if err := w.tx.DeleteCreditNote(ctx, id); err != nil {
			return err
		}
		return w.audit(ctx, actor, AuditCreditNoteDeleted, "credit note %q deleted", n.Number)
	})
}

// =============================================================================
// COMMITMENTS
// =============================================================================

type CommitmentInput struct {
	Number       string
	Amount       decimal.Decimal
	Date         time.Time // defaults to today
	Note         string
	CreditNoteID CreditNoteID
	SectionID    SectionID
}

// CreateCommitment draws the amount from an Active credit note.
func (l *Ledger) CreateCommitment(ctx context.Context, actor Actor, in CommitmentInput) (*Commitment, error) {
	in.Number = strings.TrimSpace(in.Number)
	if err := requireText("number", in.Number, 50); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, err
	}

	var created Commitment
	err := l.mutate(ctx, OpCreateCommitment, in.CreditNoteID, func(w *work) error {
		n, err := w.tx.LockCreditNote(ctx, in.CreditNoteID)
		if err != nil {
			return err
		}
		if n == nil {
			return notFound("credit note", int64(in.CreditNoteID))
		}
		// Balance first: a drained note reports what is missing, not its status.
		if exceeds(in.Amount, n.Available) {
			return &InsufficientBalanceError{
				Balance:   fmt.Sprintf("available balance of credit note %q", n.Number),
				Requested: in.Amount,
				Available: n.Available,
			}
		}
		if n.Status != StatusActive {
			return &StateError{Subject: fmt.Sprintf("credit note %q", n.Number), Status: n.Status, Action: "create commitment"}
		}
		section, err := w.tx.GetSection(ctx, in.SectionID)
		if err != nil {
			return err
		}
		if section == nil {
			return notFound("section", int64(in.SectionID))
		}
		taken, err := w.tx.CommitmentNumberTaken(ctx, in.Number)
		if err != nil {
			return err
		}
		if taken {
			return &ConflictError{Resource: "commitment", Reason: fmt.Sprintf("number %q already exists", in.Number)}
		}

		created = Commitment{
			Number:       in.Number,
			Amount:       in.Amount,
			Date:         l.dateOr(in.Date),
			Note:         in.Note,
			CreditNoteID: n.ID,
			SectionID:    section.ID,
		}
		if err := w.tx.InsertCommitment(ctx, &created); err != nil {
			return err
		}

		n.Available = n.Available.Sub(in.Amount)
		w.settle(n, MovementCommit)
		if err := w.tx.UpdateCreditNote(ctx, *n); err != nil {
			return err
		}
		if n.Section == nil {
			if n.Section, err = w.tx.GetSection(ctx, n.SectionID); err != nil {
				return err
			}
		}
		created.CreditNote = n
		created.Section = section
		return w.audit(ctx, actor, AuditCommitmentCreated, "commitment %q of %s on credit note %q, available %s",
			created.Number, created.Amount.StringFixed(2), n.Number, n.Available.StringFixed(2))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// owningNote resolves the note of a commitment without locking, so the
// caller can take the note lock before the transaction.
func (l *Ledger) owningNote(ctx context.Context, id CommitmentID) (CreditNoteID, error) {
	c, err := l.store.GetCommitment(ctx, id)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, notFound("commitment", int64(id))
	}
	return c.CreditNoteID, nil
}

// lockCommitmentAndNote re-reads the commitment and its note under row lock.
func lockCommitmentAndNote(ctx context.Context, tx Tx, id CommitmentID) (*Commitment, *CreditNote, error) {
	c, err := tx.LockCommitment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return nil, nil, notFound("commitment", int64(id))
	}
	n, err := tx.LockCreditNote(ctx, c.CreditNoteID)
	if err != nil {
		return nil, nil, err
	}
	if n == nil {
		return nil, nil, notFound("credit note", int64(c.CreditNoteID))
	}
	return c, n, nil
}

// DeleteCommitment removes a commitment without annulments and credits its
// full original amount back to the note.
func (l *Ledger) DeleteCommitment(ctx context.Context, actor Actor, id CommitmentID) error {
	if !actor.Elevated() {
		return &ForbiddenError{Actor: actor.Name, Action: "delete commitments"}
	}
	noteID, err := l.owningNote(ctx, id)
	if err != nil {
		return err
	}

	return l.mutate(ctx, OpDeleteCommitment, noteID, func(w *work) error {
		c, n, err := lockCommitmentAndNote(ctx, w.tx, id)
		if err != nil {
			return err
		}
		annulments, err := w.tx.ListAnnulments(ctx, id)
		if err != nil {
			return err
		}
		if len(annulments) > 0 {
			return &ConflictError{
				Resource: "commitment",
				Reason:   fmt.Sprintf("%q has %d annulments", c.Number, len(annulments)),
			}
		}

		n.Available = n.Available.Add(c.Amount)
		w.settle(n, MovementCredit)
		if err := w.tx.UpdateCreditNote(ctx, *n); err != nil {
			return err
		}
		if err := w.tx.DeleteCommitment(ctx, id); err != nil {
			return err
		}
		return w.audit(ctx, actor, AuditCommitmentDeleted, "commitment %q deleted, %s credited to %q, available %s",
			c.Number, c.Amount.StringFixed(2), n.Number, n.Available.StringFixed(2))
	})
}

// ExecutableBalance is what is left of a commitment after its annulments.
func ExecutableBalance(c Commitment, annulments []Annulment) decimal.Decimal {
	remaining := c.Amount
	for _, a := range annulments {
		remaining = remaining.Sub(a.Amount)
	}
	return remaining
}

// =============================================================================
// ANNULMENTS
// =============================================================================

type AnnulmentInput struct {
	CommitmentID CommitmentID
	Amount       decimal.Decimal
	Date         time.Time // defaults to today
	Note         string
}

// CreateAnnulment reverses part of a commitment and credits the note.
func (l *Ledger) CreateAnnulment(ctx context.Context, actor Actor, in AnnulmentInput) (*Annulment, error) {
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, err
	}
	noteID, err := l.owningNote(ctx, in.CommitmentID)
	if err != nil {
		return nil, err
	}

	var created Annulment
	err = l.mutate(ctx, OpCreateAnnulment, noteID, func(w *work) error {
		c, n, err := lockCommitmentAndNote(ctx, w.tx, in.CommitmentID)
		if err != nil {
			return err
		}
		prior, err := w.tx.ListAnnulments(ctx, c.ID)
		if err != nil {
			return err
		}
		remaining := ExecutableBalance(*c, prior)
		if exceeds(in.Amount, remaining) {
			return &InsufficientBalanceError{
				Balance:   fmt.Sprintf("executable balance of commitment %q", c.Number),
				Requested: in.Amount,
				Available: remaining,
			}
		}

		n.Available = n.Available.Add(in.Amount)
		w.settle(n, MovementCredit)
		if err := w.tx.UpdateCreditNote(ctx, *n); err != nil {
			return err
		}
		created = Annulment{
			CommitmentID: c.ID,
			Amount:       in.Amount,
			Date:         l.dateOr(in.Date),
			Note:         in.Note,
		}
		if err := w.tx.InsertAnnulment(ctx, &created); err != nil {
			return err
		}
		return w.audit(ctx, actor, AuditAnnulmentCreated, "annulment of %s on commitment %q, credit note %q available %s",
			in.Amount.StringFixed(2), c.Number, n.Number, n.Available.StringFixed(2))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// =============================================================================
// BALANCE RETURNS
// =============================================================================

type BalanceReturnInput struct {
	CreditNoteID CreditNoteID
	Amount       decimal.Decimal
	Date         time.Time // defaults to today
	Note         string
}

// CreateBalanceReturn permanently removes unused balance from a note.
func (l *Ledger) CreateBalanceReturn(ctx context.Context, actor Actor, in BalanceReturnInput) (*BalanceReturn, error) {
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, err
	}

	var created BalanceReturn
	err := l.mutate(ctx, OpCreateBalanceReturn, in.CreditNoteID, func(w *work) error {
		n, err := w.tx.LockCreditNote(ctx, in.CreditNoteID)
		if err != nil {
			return err
		}
		if n == nil {
			return notFound("credit note", int64(in.CreditNoteID))
		}
		// A drained note has nothing left to return, tolerance or not.
		if belowTolerance(n.Available) || exceeds(in.Amount, n.Available) {
			return &InsufficientBalanceError{
				Balance:   fmt.Sprintf("available balance of credit note %q", n.Number),
				Requested: in.Amount,
				Available: n.Available,
			}
		}

		n.Available = n.Available.Sub(in.Amount)
		w.settle(n, MovementReturn)
		if err := w.tx.UpdateCreditNote(ctx, *n); err != nil {
			return err
		}
		created = BalanceReturn{
			CreditNoteID: n.ID,
			Amount:       in.Amount,
			Date:         l.dateOr(in.Date),
			Note:         in.Note,
		}
		if err := w.tx.InsertBalanceReturn(ctx, &created); err != nil {
			return err
		}
		return w.audit(ctx, actor, AuditBalanceReturnCreated, "balance return of %s on credit note %q, available %s",
			in.Amount.StringFixed(2), n.Number, n.Available.StringFixed(2))
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// =============================================================================
// READS - Lock-free, latest committed state
// =============================================================================

func (l *Ledger) GetSection(ctx context.Context, id SectionID) (*Section, error) {
	s, err := l.store.GetSection(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, notFound("section", int64(id))
	}
	return s, nil
}

func (l *Ledger) ListSections(ctx context.Context) ([]Section, error) {
	return l.store.ListSections(ctx)
}

func (l *Ledger) GetCreditNote(ctx context.Context, id CreditNoteID) (*CreditNote, error) {
	n, err := l.store.GetCreditNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, notFound("credit note", int64(id))
	}
	return n, nil
}

func (l *Ledger) ListCreditNotes(ctx context.Context, filter CreditNoteFilter) ([]CreditNote, error) {
	return l.store.ListCreditNotes(ctx, filter)
}

func (l *Ledger) GetCommitment(ctx context.Context, id CommitmentID) (*Commitment, error) {
	c, err := l.store.GetCommitment(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFound("commitment", int64(id))
	}
	return c, nil
}

func (l *Ledger) ListCommitments(ctx context.Context, filter CommitmentFilter) ([]Commitment, error) {
	return l.store.ListCommitments(ctx, filter)
}

// ListAnnulments returns the annulments of an existing commitment.
func (l *Ledger) ListAnnulments(ctx context.Context, id CommitmentID) ([]Annulment, error) {
	if _, err := l.GetCommitment(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListAnnulments(ctx, id)
}

// ListBalanceReturns returns the balance returns of an existing note.
func (l *Ledger) ListBalanceReturns(ctx context.Context, id CreditNoteID) ([]BalanceReturn, error) {
	if _, err := l.GetCreditNote(ctx, id); err != nil {
		return nil, err
	}
	return l.store.ListBalanceReturns(ctx, id)
}

// DefaultAuditLimit caps ListAuditRecords when no limit is given.
const DefaultAuditLimit = 100

func (l *Ledger) ListAuditRecords(ctx context.Context, actor Actor, limit int) ([]AuditRecord, error) {
	if !actor.Elevated() {
		return nil, &ForbiddenError{Actor: actor.Name, Action: "read the audit log"}
	}
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	return l.store.ListAuditRecords(ctx, limit)
}

// =============================================================================
// DASHBOARD
// =============================================================================

type Summary struct {
	AvailableBalance decimal.Decimal
	// NetCommitted is Σ commitments − Σ annulments.
	NetCommitted decimal.Decimal
	ActiveNotes  int
}

func (l *Ledger) Summary(ctx context.Context) (Summary, error) {
	t, err := l.store.Totals(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		AvailableBalance: t.AvailableBalance,
		NetCommitted:     t.CommittedGross.Sub(t.Annulled),
		ActiveNotes:      t.ActiveNotes,
	}, nil
}

// DefaultWarningDays is the deadline window used when none is given.
const DefaultWarningDays = 7

// DeadlineWarnings returns Active notes whose commitment deadline falls on
// or before today + days, overdue ones included, earliest deadline first.
func (l *Ledger) DeadlineWarnings(ctx context.Context, days int) ([]CreditNote, error) {
	if days < 0 {
		return nil, &ValidationError{Field: "days", Message: "must not be negative"}
	}
	if days == 0 {
		days = DefaultWarningDays
	}
	limit := l.Today().AddDate(0, 0, days)
	notes, err := l.store.ListCreditNotes(ctx, CreditNoteFilter{Status: StatusActive, DeadlineBy: &limit})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(notes, func(i, j int) bool {
		return notes[i].Deadline.Before(notes[j].Deadline)
	})
	return notes, nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation compares a note's stored balance with the balance
// recomputed from its dependent rows.
type Reconciliation struct {
	CreditNoteID CreditNoteID
	Stored       decimal.Decimal
	Expected     decimal.Decimal
}

// Balanced reports whether the stored balance matches within Tolerance. A
// clamped debit can leave the stored value up to one cent below.
func (r Reconciliation) Balanced() bool {
	return r.Expected.Sub(r.Stored).Abs().LessThanOrEqual(Tolerance)
}

// Reconcile recomputes total − Σ commitments − Σ returns + Σ annulments.
func (l *Ledger) Reconcile(ctx context.Context, id CreditNoteID) (Reconciliation, error) {
	n, err := l.GetCreditNote(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	commitments, err := l.store.ListCommitments(ctx, CommitmentFilter{CreditNoteID: id})
	if err != nil {
		return Reconciliation{}, err
	}
	returns, err := l.store.ListBalanceReturns(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}

	expected := n.TotalAmount
	for _, c := range commitments {
		annulments, err := l.store.ListAnnulments(ctx, c.ID)
		if err != nil {
			return Reconciliation{}, err
		}
		expected = expected.Sub(ExecutableBalance(c, annulments))
	}
	for _, r := range returns {
		expected = expected.Sub(r.Amount)
	}
	return Reconciliation{CreditNoteID: id, Stored: n.Available, Expected: expected}, nil
}
