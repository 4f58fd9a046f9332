package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	operator = ledger.Actor{Name: "ana", Role: ledger.RoleOperator}
	admin    = ledger.Actor{Name: "chief", Role: ledger.RoleAdmin}
	today    = ledger.Date(2025, time.March, 10)
)

type fixture struct {
	ctx     context.Context
	store   *store.Memory
	ledger  *ledger.Ledger
	section *ledger.Section
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	l := ledger.New(mem, ledger.WithClock(func() time.Time { return today.Add(9 * time.Hour) }))
	section, err := l.CreateSection(ctx, admin, "Finance")
	require.NoError(t, err)
	return &fixture{ctx: ctx, store: mem, ledger: l, section: section}
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !got.Equal(money(want)) {
		assert.Fail(t, fmt.Sprintf("amount mismatch: want %s, got %s", want, got), msgAndArgs...)
	}
}

func (f *fixture) note(t *testing.T, number, total string) *ledger.CreditNote {
	t.Helper()
	n, err := f.ledger.CreateCreditNote(f.ctx, operator, ledger.CreditNoteInput{
		Number:        number,
		TotalAmount:   money(total),
		Sphere:        "federal",
		Source:        "100",
		PTRES:         "171460",
		InternalPlan:  "E3PCFSCDEGE",
		ExpenseNature: "339030",
		SectionID:     f.section.ID,
		ArrivalDate:   today,
		Deadline:      today.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	return n
}

func (f *fixture) commit(t *testing.T, note ledger.CreditNoteID, number, amount string) *ledger.Commitment {
	t.Helper()
	c, err := f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number:       number,
		Amount:       money(amount),
		CreditNoteID: note,
		SectionID:    f.section.ID,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) reload(t *testing.T, id ledger.CreditNoteID) *ledger.CreditNote {
	t.Helper()
	n, err := f.ledger.GetCreditNote(f.ctx, id)
	require.NoError(t, err)
	return n
}

func (f *fixture) assertConserved(t *testing.T, id ledger.CreditNoteID) {
	t.Helper()
	r, err := f.ledger.Reconcile(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, r.Balanced(), "stored %s, expected %s", r.Stored, r.Expected)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_CommitFullAmount(t *testing.T) {
	// GIVEN: Credit note with total 1000
	// WHEN: Committing 1000, then 1 more
	// THEN: Balance 0 and FullyCommitted, second commit fails InsufficientBalance

	f := newFixture(t)
	n := f.note(t, "2025NC000001", "1000")

	c := f.commit(t, n.ID, "2025NE000001", "1000")
	require.NotNil(t, c.CreditNote)
	require.NotNil(t, c.Section)
	assertMoney(t, "0", c.CreditNote.Available)
	assert.Equal(t, ledger.StatusFullyCommitted, c.CreditNote.Status)

	_, err := f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number: "2025NE000002", Amount: money("1"), CreditNoteID: n.ID, SectionID: f.section.ID,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	got := f.reload(t, n.ID)
	assertMoney(t, "0", got.Available)
	assert.Equal(t, ledger.StatusFullyCommitted, got.Status)
}

func TestScenarioA_InsufficientBalanceOnActiveNote(t *testing.T) {
	// GIVEN: Credit note with total 1000 and 999 committed (still Active)
	// WHEN: Committing 2
	// THEN: InsufficientBalance reporting requested and available

	f := newFixture(t)
	n := f.note(t, "2025NC000001", "1000")
	f.commit(t, n.ID, "2025NE000001", "999")

	_, err := f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number: "2025NE000002", Amount: money("2"), CreditNoteID: n.ID, SectionID: f.section.ID,
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var ibe *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assertMoney(t, "2", ibe.Requested)
	assertMoney(t, "1", ibe.Available)
	assert.Contains(t, err.Error(), "2.00")
	assert.Contains(t, err.Error(), "1.00")
}

func TestScenarioB_DeleteCommitmentReactivates(t *testing.T) {
	// GIVEN: Note of 500 fully committed by one commitment
	// WHEN: Admin deletes the commitment
	// THEN: Balance back to 500, status Active

	f := newFixture(t)
	n := f.note(t, "2025NC000002", "500")
	c := f.commit(t, n.ID, "2025NE000010", "500")
	assert.Equal(t, ledger.StatusFullyCommitted, f.reload(t, n.ID).Status)

	require.NoError(t, f.ledger.DeleteCommitment(f.ctx, admin, c.ID))

	got := f.reload(t, n.ID)
	assertMoney(t, "500", got.Available)
	assert.Equal(t, ledger.StatusActive, got.Status)

	_, err := f.ledger.GetCommitment(f.ctx, c.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	f.assertConserved(t, n.ID)
}

func TestScenarioC_AnnulmentCreditsNote(t *testing.T) {
	// GIVEN: Note of 300 fully committed by a commitment of 300
	// WHEN: Annulling 100
	// THEN: Note balance 100 and Active, commitment executable balance 200

	f := newFixture(t)
	n := f.note(t, "2025NC000003", "300")
	c := f.commit(t, n.ID, "2025NE000020", "300")

	a, err := f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{
		CommitmentID: c.ID, Amount: money("100"), Note: "partial cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, today, a.Date, "date defaults to today")

	got := f.reload(t, n.ID)
	assertMoney(t, "100", got.Available)
	assert.Equal(t, ledger.StatusActive, got.Status)

	annulments, err := f.ledger.ListAnnulments(f.ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, annulments, 1)
	assertMoney(t, "200", ledger.ExecutableBalance(*c, annulments))
	f.assertConserved(t, n.ID)
}

func TestScenarioD_BalanceReturn(t *testing.T) {
	// GIVEN: Note of 1000 untouched
	// WHEN: Returning 1000, then returning 0.50
	// THEN: Balance 0 and Returned; second return fails InsufficientBalance

	f := newFixture(t)
	n := f.note(t, "2025NC000004", "1000")

	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{
		CreditNoteID: n.ID, Amount: money("1000"),
	})
	require.NoError(t, err)

	got := f.reload(t, n.ID)
	assertMoney(t, "0", got.Available)
	assert.Equal(t, ledger.StatusReturned, got.Status)

	_, err = f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{
		CreditNoteID: n.ID, Amount: money("0.50"),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	returns, err := f.ledger.ListBalanceReturns(f.ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, returns, 1)
}

func TestBalanceReturn_DrainedNoteRejectsCent(t *testing.T) {
	// GIVEN: One note fully returned, one fully committed
	// WHEN: Returning 0.01 from each
	// THEN: Both fail InsufficientBalance, no return row, status unchanged

	f := newFixture(t)
	returned := f.note(t, "2025NC000041", "1000")
	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{
		CreditNoteID: returned.ID, Amount: money("1000"),
	})
	require.NoError(t, err)

	committed := f.note(t, "2025NC000042", "500")
	f.commit(t, committed.ID, "2025NE000041", "500")

	tests := []struct {
		name   string
		id     ledger.CreditNoteID
		status ledger.Status
		rows   int
	}{
		{"returned note", returned.ID, ledger.StatusReturned, 1},
		{"fully committed note", committed.ID, ledger.StatusFullyCommitted, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{
				CreditNoteID: tt.id, Amount: money("0.01"),
			})
			assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

			got := f.reload(t, tt.id)
			assertMoney(t, "0", got.Available)
			assert.Equal(t, tt.status, got.Status)

			returns, err := f.ledger.ListBalanceReturns(f.ctx, tt.id)
			require.NoError(t, err)
			assert.Len(t, returns, tt.rows)
			f.assertConserved(t, tt.id)
		})
	}
}

func TestBalanceReturn_ToleranceOnPositiveBalance(t *testing.T) {
	// GIVEN: Note with 100 available
	// WHEN: Returning 100.01
	// THEN: Accepted within tolerance, balance clamps to 0 and note is Returned

	f := newFixture(t)
	n := f.note(t, "2025NC000043", "100")

	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{
		CreditNoteID: n.ID, Amount: money("100.01"),
	})
	require.NoError(t, err)

	got := f.reload(t, n.ID)
	assertMoney(t, "0", got.Available)
	assert.Equal(t, ledger.StatusReturned, got.Status)
}

func TestScenarioE_RevisionBelowCommitted(t *testing.T) {
	// GIVEN: Note of 1000 with 800 committed
	// WHEN: Updating total to 700
	// THEN: InvalidState reporting a shortfall of 100, note untouched

	f := newFixture(t)
	n := f.note(t, "2025NC000005", "1000")
	f.commit(t, n.ID, "2025NE000030", "800")

	in := inputFrom(n)
	in.TotalAmount = money("700")
	_, err := f.ledger.UpdateCreditNote(f.ctx, operator, n.ID, in)
	require.ErrorIs(t, err, ledger.ErrInvalidState)

	var se *ledger.ShortfallError
	require.True(t, errors.As(err, &se))
	assertMoney(t, "100", se.Shortfall())
	assert.Contains(t, err.Error(), "100.00")

	got := f.reload(t, n.ID)
	assertMoney(t, "1000", got.TotalAmount)
	assertMoney(t, "200", got.Available)
}

func inputFrom(n *ledger.CreditNote) ledger.CreditNoteInput {
	return ledger.CreditNoteInput{
		Number:        n.Number,
		TotalAmount:   n.TotalAmount,
		Sphere:        n.Sphere,
		Source:        n.Source,
		PTRES:         n.PTRES,
		InternalPlan:  n.InternalPlan,
		ExpenseNature: n.ExpenseNature,
		Description:   n.Description,
		SectionID:     n.SectionID,
		ArrivalDate:   n.ArrivalDate,
		Deadline:      n.Deadline,
	}
}

// =============================================================================
// CREDIT NOTE UPDATES
// =============================================================================

func TestUpdateCreditNote_ShiftsBalanceByDelta(t *testing.T) {
	f := newFixture(t)
	n := f.note(t, "2025NC000006", "1000")
	f.commit(t, n.ID, "2025NE000040", "400")

	in := inputFrom(n)
	in.TotalAmount = money("1500")
	in.Description = "reinforcement"
	updated, err := f.ledger.UpdateCreditNote(f.ctx, operator, n.ID, in)
	require.NoError(t, err)

	assertMoney(t, "1100", updated.Available)
	assert.Equal(t, "reinforcement", updated.Description)
	assert.Equal(t, ledger.StatusActive, updated.Status)
	f.assertConserved(t, n.ID)
}

func TestUpdateCreditNote_RevisionToCommittedAmount(t *testing.T) {
	// GIVEN: Note of 1000 with 800 committed
	// WHEN: Revising total to exactly 800
	// THEN: Balance 0 and FullyCommitted; raising it again reactivates

	f := newFixture(t)
	n := f.note(t, "2025NC000007", "1000")
	f.commit(t, n.ID, "2025NE000050", "800")

	in := inputFrom(n)
	in.TotalAmount = money("800")
	updated, err := f.ledger.UpdateCreditNote(f.ctx, operator, n.ID, in)
	require.NoError(t, err)
	assertMoney(t, "0", updated.Available)
	assert.Equal(t, ledger.StatusFullyCommitted, updated.Status)

	in.TotalAmount = money("900")
	updated, err = f.ledger.UpdateCreditNote(f.ctx, operator, n.ID, in)
	require.NoError(t, err)
	assertMoney(t, "100", updated.Available)
	assert.Equal(t, ledger.StatusActive, updated.Status)
}

func TestUpdateCreditNote_RevisionDrainedByReturns(t *testing.T) {
	// GIVEN: Note of 1000 with 400 returned and no commitments
	// WHEN: Revising total to 400
	// THEN: Balance 0 and Returned, never FullyCommitted

	f := newFixture(t)
	n := f.note(t, "2025NC000044", "1000")
	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{
		CreditNoteID: n.ID, Amount: money("400"),
	})
	require.NoError(t, err)

	in := inputFrom(n)
	in.TotalAmount = money("400")
	updated, err := f.ledger.UpdateCreditNote(f.ctx, operator, n.ID, in)
	require.NoError(t, err)
	assertMoney(t, "0", updated.Available)
	assert.Equal(t, ledger.StatusReturned, updated.Status)
	f.assertConserved(t, n.ID)
}

func TestUpdateCreditNote_RevisionDrainedByCommitmentsAndReturns(t *testing.T) {
	// GIVEN: Note of 1000 with 300 committed and 200 returned
	// WHEN: Revising total to 500
	// THEN: Live commitments remain, so the note is FullyCommitted

	f := newFixture(t)
	n := f.note(t, "2025NC000045", "1000")
	f.commit(t, n.ID, "2025NE000045", "300")
	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{
		CreditNoteID: n.ID, Amount: money("200"),
	})
	require.NoError(t, err)

	in := inputFrom(n)
	in.TotalAmount = money("500")
	updated, err := f.ledger.UpdateCreditNote(f.ctx, operator, n.ID, in)
	require.NoError(t, err)
	assertMoney(t, "0", updated.Available)
	assert.Equal(t, ledger.StatusFullyCommitted, updated.Status)
}

func TestUpdateCreditNote_Conflicts(t *testing.T) {
	f := newFixture(t)
	a := f.note(t, "2025NC000008", "100")
	f.note(t, "2025NC000009", "100")

	in := inputFrom(a)
	in.Number = "2025NC000009"
	_, err := f.ledger.UpdateCreditNote(f.ctx, operator, a.ID, in)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	in = inputFrom(a)
	in.SectionID = 999
	_, err = f.ledger.UpdateCreditNote(f.ctx, operator, a.ID, in)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.ledger.UpdateCreditNote(f.ctx, operator, 12345, inputFrom(a))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// CREATION RULES
// =============================================================================

func TestCreateCreditNote_Validation(t *testing.T) {
	f := newFixture(t)
	base := ledger.CreditNoteInput{
		Number: "2025NC000100", TotalAmount: money("10"), SectionID: f.section.ID, Deadline: today,
	}

	tests := []struct {
		name   string
		mutate func(*ledger.CreditNoteInput)
		field  string
	}{
		{"blank number", func(in *ledger.CreditNoteInput) { in.Number = "  " }, "number"},
		{"zero total", func(in *ledger.CreditNoteInput) { in.TotalAmount = decimal.Zero }, "total_amount"},
		{"negative total", func(in *ledger.CreditNoteInput) { in.TotalAmount = money("-5") }, "total_amount"},
		{"long source", func(in *ledger.CreditNoteInput) { in.Source = "12345678901" }, "source"},
		{"long ptres", func(in *ledger.CreditNoteInput) { in.PTRES = "1234567" }, "ptres"},
		{"short expense nature", func(in *ledger.CreditNoteInput) { in.ExpenseNature = "33903" }, "expense_nature"},
		{"alpha expense nature", func(in *ledger.CreditNoteInput) { in.ExpenseNature = "33903A" }, "expense_nature"},
		{"missing deadline", func(in *ledger.CreditNoteInput) { in.Deadline = time.Time{} }, "deadline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := f.ledger.CreateCreditNote(f.ctx, operator, in)
			require.ErrorIs(t, err, ledger.ErrValidation)
			var ve *ledger.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreateCreditNote_Defaults(t *testing.T) {
	f := newFixture(t)
	n, err := f.ledger.CreateCreditNote(f.ctx, operator, ledger.CreditNoteInput{
		Number: "2025NC000101", TotalAmount: money("250.75"), SectionID: f.section.ID, Deadline: today.AddDate(0, 0, 30),
	})
	require.NoError(t, err)

	assertMoney(t, "250.75", n.Available)
	assert.Equal(t, ledger.StatusActive, n.Status)
	assert.Equal(t, today, n.ArrivalDate)
	require.NotNil(t, n.Section)
	assert.Equal(t, "Finance", n.Section.Name)
}

func TestCreateCreditNote_DuplicateNumberAndMissingSection(t *testing.T) {
	f := newFixture(t)
	f.note(t, "2025NC000102", "10")

	_, err := f.ledger.CreateCreditNote(f.ctx, operator, ledger.CreditNoteInput{
		Number: "2025NC000102", TotalAmount: money("10"), SectionID: f.section.ID, Deadline: today,
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	_, err = f.ledger.CreateCreditNote(f.ctx, operator, ledger.CreditNoteInput{
		Number: "2025NC000103", TotalAmount: money("10"), SectionID: 404, Deadline: today,
	})
	var nf *ledger.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "section", nf.Entity)
}

func TestCreateCommitment_Preconditions(t *testing.T) {
	f := newFixture(t)
	n := f.note(t, "2025NC000200", "100")
	f.commit(t, n.ID, "2025NE000200", "10")

	tests := []struct {
		name string
		in   ledger.CommitmentInput
		want error
	}{
		{"missing note", ledger.CommitmentInput{Number: "X1", Amount: money("1"), CreditNoteID: 999, SectionID: f.section.ID}, ledger.ErrNotFound},
		{"missing section", ledger.CommitmentInput{Number: "X2", Amount: money("1"), CreditNoteID: n.ID, SectionID: 999}, ledger.ErrNotFound},
		{"duplicate number", ledger.CommitmentInput{Number: "2025NE000200", Amount: money("1"), CreditNoteID: n.ID, SectionID: f.section.ID}, ledger.ErrConflict},
		{"zero amount", ledger.CommitmentInput{Number: "X3", Amount: decimal.Zero, CreditNoteID: n.ID, SectionID: f.section.ID}, ledger.ErrValidation},
		{"over balance", ledger.CommitmentInput{Number: "X4", Amount: money("90.02"), CreditNoteID: n.ID, SectionID: f.section.ID}, ledger.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.CreateCommitment(f.ctx, operator, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assertMoney(t, "90", f.reload(t, n.ID).Available, "rejected requests leave the balance alone")
}

func TestCreateCommitment_ToleranceClampsToZero(t *testing.T) {
	// GIVEN: Note of 100
	// WHEN: Committing 100.01 (one cent over, inside tolerance)
	// THEN: Accepted, balance clamped to exactly 0, FullyCommitted

	f := newFixture(t)
	n := f.note(t, "2025NC000201", "100")
	c := f.commit(t, n.ID, "2025NE000201", "100.01")

	assertMoney(t, "0", c.CreditNote.Available)
	assert.Equal(t, ledger.StatusFullyCommitted, c.CreditNote.Status)
}

func TestCreateCommitment_AgainstReturnedNote(t *testing.T) {
	f := newFixture(t)
	n := f.note(t, "2025NC000202", "50")
	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{CreditNoteID: n.ID, Amount: money("50")})
	require.NoError(t, err)

	// One cent fits the tolerance, so only the status can reject it.
	_, err = f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number: "2025NE000202", Amount: money("0.01"), CreditNoteID: n.ID, SectionID: f.section.ID,
	})
	var se *ledger.StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ledger.StatusReturned, se.Status)
}

// =============================================================================
// ANNULMENTS
// =============================================================================

func TestCreateAnnulment_CommitmentCap(t *testing.T) {
	// GIVEN: Commitment of 300 with 250 already annulled
	// WHEN: Annulling 60, then 50
	// THEN: 60 fails reporting the executable balance of 50; 50 succeeds

	f := newFixture(t)
	n := f.note(t, "2025NC000300", "1000")
	c := f.commit(t, n.ID, "2025NE000300", "300")

	_, err := f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{CommitmentID: c.ID, Amount: money("250")})
	require.NoError(t, err)

	_, err = f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{CommitmentID: c.ID, Amount: money("60")})
	var ibe *ledger.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assertMoney(t, "50", ibe.Available)
	assert.Contains(t, err.Error(), "executable balance")

	_, err = f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{CommitmentID: c.ID, Amount: money("50")})
	require.NoError(t, err)

	assertMoney(t, "1000", f.reload(t, n.ID).Available)
	f.assertConserved(t, n.ID)
}

func TestCreateAnnulment_MissingCommitment(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{CommitmentID: 77, Amount: money("1")})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// DELETIONS
// =============================================================================

func TestDeleteCommitment_BlockedByAnnulments(t *testing.T) {
	f := newFixture(t)
	n := f.note(t, "2025NC000400", "100")
	c := f.commit(t, n.ID, "2025NE000400", "100")
	_, err := f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{CommitmentID: c.ID, Amount: money("10")})
	require.NoError(t, err)

	err = f.ledger.DeleteCommitment(f.ctx, admin, c.ID)
	require.ErrorIs(t, err, ledger.ErrConflict)
	assert.Contains(t, err.Error(), "annulments")
	assertMoney(t, "10", f.reload(t, n.ID).Available)
}

func TestDeleteCommitment_RequiresElevatedActor(t *testing.T) {
	f := newFixture(t)
	n := f.note(t, "2025NC000401", "100")
	c := f.commit(t, n.ID, "2025NE000401", "40")

	err := f.ledger.DeleteCommitment(f.ctx, operator, c.ID)
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	err = f.ledger.DeleteCommitment(f.ctx, admin, 9999)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDeleteCreditNote(t *testing.T) {
	f := newFixture(t)
	withCommitment := f.note(t, "2025NC000500", "100")
	f.commit(t, withCommitment.ID, "2025NE000500", "10")
	withReturn := f.note(t, "2025NC000501", "100")
	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{CreditNoteID: withReturn.ID, Amount: money("30")})
	require.NoError(t, err)

	t.Run("operator is forbidden", func(t *testing.T) {
		assert.ErrorIs(t, f.ledger.DeleteCreditNote(f.ctx, operator, withReturn.ID), ledger.ErrForbidden)
	})

	t.Run("blocked by commitments", func(t *testing.T) {
		err := f.ledger.DeleteCreditNote(f.ctx, admin, withCommitment.ID)
		require.ErrorIs(t, err, ledger.ErrConflict)
		assert.Contains(t, err.Error(), "commitments")
	})

	t.Run("cascades balance returns", func(t *testing.T) {
		require.NoError(t, f.ledger.DeleteCreditNote(f.ctx, admin, withReturn.ID))
		_, err := f.ledger.GetCreditNote(f.ctx, withReturn.ID)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = f.ledger.ListBalanceReturns(f.ctx, withReturn.ID)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("missing note", func(t *testing.T) {
		assert.ErrorIs(t, f.ledger.DeleteCreditNote(f.ctx, admin, withReturn.ID), ledger.ErrNotFound)
	})
}

// =============================================================================
// SECTIONS
// =============================================================================

func TestSections(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.CreateSection(f.ctx, operator, "finance")
	assert.ErrorIs(t, err, ledger.ErrConflict, "names are unique regardless of case")

	logistics, err := f.ledger.CreateSection(f.ctx, operator, "Logistics")
	require.NoError(t, err)

	_, err = f.ledger.RenameSection(f.ctx, operator, logistics.ID, "Supply")
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	renamed, err := f.ledger.RenameSection(f.ctx, admin, logistics.ID, "Supply")
	require.NoError(t, err)
	assert.Equal(t, "Supply", renamed.Name)

	_, err = f.ledger.RenameSection(f.ctx, admin, logistics.ID, "Finance")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	f.note(t, "2025NC000600", "10")
	err = f.ledger.DeleteSection(f.ctx, admin, f.section.ID)
	require.ErrorIs(t, err, ledger.ErrConflict)
	assert.Contains(t, err.Error(), "credit notes")

	require.NoError(t, f.ledger.DeleteSection(f.ctx, admin, logistics.ID))
	sections, err := f.ledger.ListSections(f.ctx)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "Finance", sections[0].Name)
}

func TestDeleteSection_BlockedByRequestedCommitments(t *testing.T) {
	f := newFixture(t)
	requester, err := f.ledger.CreateSection(f.ctx, operator, "Engineering")
	require.NoError(t, err)
	n := f.note(t, "2025NC000601", "100")

	_, err = f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number: "2025NE000601", Amount: money("5"), CreditNoteID: n.ID, SectionID: requester.ID,
	})
	require.NoError(t, err)

	err = f.ledger.DeleteSection(f.ctx, admin, requester.ID)
	require.ErrorIs(t, err, ledger.ErrConflict)
	assert.Contains(t, err.Error(), "commitments")
}

// =============================================================================
// CONSERVATION & CONCURRENCY
// =============================================================================

func TestConservation_MixedMovements(t *testing.T) {
	// GIVEN: A note receiving every kind of movement
	// WHEN: The sequence completes
	// THEN: available = total − Σ commitments − Σ returns + Σ annulments

	f := newFixture(t)
	n := f.note(t, "2025NC000700", "10000")

	c1 := f.commit(t, n.ID, "2025NE000701", "1234.56")
	c2 := f.commit(t, n.ID, "2025NE000702", "2000")
	f.commit(t, n.ID, "2025NE000703", "765.44")

	_, err := f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{CommitmentID: c1.ID, Amount: money("234.56")})
	require.NoError(t, err)
	_, err = f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{CreditNoteID: n.ID, Amount: money("500")})
	require.NoError(t, err)
	require.NoError(t, f.ledger.DeleteCommitment(f.ctx, admin, c2.ID))

	in := inputFrom(n)
	in.TotalAmount = money("9000")
	_, err = f.ledger.UpdateCreditNote(f.ctx, operator, n.ID, in)
	require.NoError(t, err)

	// 9000 − 1234.56 − 765.44 − 500 + 234.56
	assertMoney(t, "6734.56", f.reload(t, n.ID).Available)
	f.assertConserved(t, n.ID)
}

func TestConcurrentCommitments_NeverOverdraw(t *testing.T) {
	// GIVEN: Note of 1000
	// WHEN: 40 goroutines each try to commit 50 at the same time
	// THEN: Exactly 20 succeed, balance 0, FullyCommitted

	f := newFixture(t)
	n := f.note(t, "2025NC000800", "1000")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failed    []error
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
				Number:       fmt.Sprintf("2025NE%06d", 800+i),
				Amount:       money("50"),
				CreditNoteID: n.ID,
				SectionID:    f.section.ID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else {
				failed = append(failed, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, succeeded)
	for _, err := range failed {
		assert.True(t,
			errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrInvalidState),
			"unexpected error: %v", err)
	}
	got := f.reload(t, n.ID)
	assertMoney(t, "0", got.Available)
	assert.Equal(t, ledger.StatusFullyCommitted, got.Status)
	f.assertConserved(t, n.ID)
}

// =============================================================================
// READS, DASHBOARD, AUDIT
// =============================================================================

func TestReads_AreIdempotent(t *testing.T) {
	f := newFixture(t)
	n := f.note(t, "2025NC000900", "100")
	f.commit(t, n.ID, "2025NE000900", "25")

	first := f.reload(t, n.ID)
	second := f.reload(t, n.ID)
	assert.Equal(t, first, second)
}

func TestListCreditNotes_Filters(t *testing.T) {
	f := newFixture(t)
	f.note(t, "2025NC001000", "100")
	b := f.note(t, "2025NC001001", "100")
	_, err := f.ledger.CreateBalanceReturn(f.ctx, operator, ledger.BalanceReturnInput{CreditNoteID: b.ID, Amount: money("100")})
	require.NoError(t, err)

	all, err := f.ledger.ListCreditNotes(f.ctx, ledger.CreditNoteFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	returned, err := f.ledger.ListCreditNotes(f.ctx, ledger.CreditNoteFilter{Status: ledger.StatusReturned})
	require.NoError(t, err)
	require.Len(t, returned, 1)
	assert.Equal(t, b.ID, returned[0].ID)

	byNumber, err := f.ledger.ListCreditNotes(f.ctx, ledger.CreditNoteFilter{Number: "nc001000"})
	require.NoError(t, err)
	assert.Len(t, byNumber, 1)

	byPlan, err := f.ledger.ListCreditNotes(f.ctx, ledger.CreditNoteFilter{InternalPlan: "e3pc", ExpenseNature: "3390"})
	require.NoError(t, err)
	assert.Len(t, byPlan, 2)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	a := f.note(t, "2025NC001100", "1000")
	b := f.note(t, "2025NC001101", "500")
	c := f.commit(t, a.ID, "2025NE001100", "400")
	f.commit(t, b.ID, "2025NE001101", "500")
	_, err := f.ledger.CreateAnnulment(f.ctx, operator, ledger.AnnulmentInput{CommitmentID: c.ID, Amount: money("100")})
	require.NoError(t, err)

	s, err := f.ledger.Summary(f.ctx)
	require.NoError(t, err)
	assertMoney(t, "700", s.AvailableBalance)
	assertMoney(t, "800", s.NetCommitted)
	assert.Equal(t, 1, s.ActiveNotes)
}

func TestDeadlineWarnings(t *testing.T) {
	f := newFixture(t)
	mk := func(number string, deadline time.Time) *ledger.CreditNote {
		n, err := f.ledger.CreateCreditNote(f.ctx, operator, ledger.CreditNoteInput{
			Number: number, TotalAmount: money("100"), SectionID: f.section.ID, Deadline: deadline,
		})
		require.NoError(t, err)
		return n
	}
	overdue := mk("2025NC001200", today.AddDate(0, 0, -2))
	soon := mk("2025NC001201", today.AddDate(0, 0, 3))
	mk("2025NC001202", today.AddDate(0, 0, 30))
	closed := mk("2025NC001203", today.AddDate(0, 0, 1))
	f.commit(t, closed.ID, "2025NE001203", "100")

	warnings, err := f.ledger.DeadlineWarnings(f.ctx, 0)
	require.NoError(t, err)
	require.Len(t, warnings, 2)
	assert.Equal(t, overdue.ID, warnings[0].ID)
	assert.Equal(t, soon.ID, warnings[1].ID)

	wide, err := f.ledger.DeadlineWarnings(f.ctx, 60)
	require.NoError(t, err)
	assert.Len(t, wide, 3)

	_, err = f.ledger.DeadlineWarnings(f.ctx, -1)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestAuditRecords(t *testing.T) {
	// GIVEN: A few successful and one rejected mutation
	// WHEN: Reading the audit log
	// THEN: One record per committed mutation, newest first, none for the rejection

	f := newFixture(t)
	n := f.note(t, "2025NC001300", "100")
	f.commit(t, n.ID, "2025NE001300", "30")
	_, err := f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number: "2025NE001301", Amount: money("500"), CreditNoteID: n.ID, SectionID: f.section.ID,
	})
	require.Error(t, err)

	_, err = f.ledger.ListAuditRecords(f.ctx, operator, 10)
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	records, err := f.ledger.ListAuditRecords(f.ctx, admin, 10)
	require.NoError(t, err)
	require.Len(t, records, 3) // section, note, commitment
	assert.Equal(t, ledger.AuditCommitmentCreated, records[0].Action)
	assert.Equal(t, "ana", records[0].Actor)
	assert.Contains(t, records[0].Detail, "2025NE001300")
	assert.Equal(t, ledger.AuditSectionCreated, records[2].Action)
	assert.NotEmpty(t, records[0].ID)

	limited, err := f.ledger.ListAuditRecords(f.ctx, admin, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// OBSERVER
// =============================================================================

type recordingObserver struct {
	mu          sync.Mutex
	ops         []ledger.Operation
	errs        []error
	transitions [][2]ledger.Status
}

func (r *recordingObserver) OperationFinished(op ledger.Operation, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	r.errs = append(r.errs, err)
}

func (r *recordingObserver) StatusChanged(from, to ledger.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]ledger.Status{from, to})
}

func TestObserver_ReceivesOutcomesAndTransitions(t *testing.T) {
	obs := &recordingObserver{}
	ctx := context.Background()
	l := ledger.New(store.NewMemory(), ledger.WithObserver(obs))

	s, err := l.CreateSection(ctx, admin, "Ops")
	require.NoError(t, err)
	n, err := l.CreateCreditNote(ctx, operator, ledger.CreditNoteInput{
		Number: "2025NC001400", TotalAmount: money("10"), SectionID: s.ID, Deadline: today,
	})
	require.NoError(t, err)
	c, err := l.CreateCommitment(ctx, operator, ledger.CommitmentInput{
		Number: "2025NE001400", Amount: money("10"), CreditNoteID: n.ID, SectionID: s.ID,
	})
	require.NoError(t, err)
	require.NoError(t, l.DeleteCommitment(ctx, admin, c.ID))

	assert.Equal(t, []ledger.Operation{
		ledger.OpCreateSection, ledger.OpCreateCreditNote, ledger.OpCreateCommitment, ledger.OpDeleteCommitment,
	}, obs.ops)
	assert.Equal(t, [][2]ledger.Status{
		{ledger.StatusActive, ledger.StatusFullyCommitted},
		{ledger.StatusFullyCommitted, ledger.StatusActive},
	}, obs.transitions)
}

// =============================================================================
// FAULTS - Store failures mid-operation
// =============================================================================

// faultyStore wraps the memory store and injects errors into its transactions.
type faultyStore struct {
	*store.Memory
	auditErr  error
	insertErr error
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Memory.WithTx(ctx, func(tx ledger.Tx) error {
		return fn(&faultyTx{Tx: tx, store: s})
	})
}

type faultyTx struct {
	ledger.Tx
	store *faultyStore
}

func (tx *faultyTx) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	if tx.store.auditErr != nil {
		return tx.store.auditErr
	}
	return tx.Tx.AppendAudit(ctx, rec)
}

func (tx *faultyTx) InsertCommitment(ctx context.Context, c *ledger.Commitment) error {
	if tx.store.insertErr != nil {
		return tx.store.insertErr
	}
	return tx.Tx.InsertCommitment(ctx, c)
}

func newFaultyFixture(t *testing.T) (*fixture, *faultyStore) {
	t.Helper()
	fs := &faultyStore{Memory: store.NewMemory()}
	ctx := context.Background()
	l := ledger.New(fs, ledger.WithClock(func() time.Time { return today.Add(9 * time.Hour) }))
	section, err := l.CreateSection(ctx, admin, "Finance")
	require.NoError(t, err)
	return &fixture{ctx: ctx, store: fs.Memory, ledger: l, section: section}, fs
}

func TestFault_AuditFailureRollsBackBalance(t *testing.T) {
	// GIVEN: Note of 1000 and an audit sink that fails
	// WHEN: Committing 300
	// THEN: Error returned, balance, status and commitments untouched

	f, fs := newFaultyFixture(t)
	n := f.note(t, "2025NC000090", "1000")
	fs.auditErr = errors.New("disk full")

	_, err := f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number: "2025NE000090", Amount: money("300"), CreditNoteID: n.ID, SectionID: f.section.ID,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, ledger.IsClientError(err))

	got := f.reload(t, n.ID)
	assertMoney(t, "1000", got.Available)
	assert.Equal(t, ledger.StatusActive, got.Status)

	commitments, err := f.ledger.ListCommitments(f.ctx, ledger.CommitmentFilter{CreditNoteID: n.ID})
	require.NoError(t, err)
	assert.Empty(t, commitments)
}

func TestFault_DuplicateKeyAtWriteIsConflict(t *testing.T) {
	// GIVEN: A store that reports a unique violation on commitment insert
	// WHEN: Committing against a note
	// THEN: ErrConflict, note balance untouched

	f, fs := newFaultyFixture(t)
	n := f.note(t, "2025NC000091", "1000")
	fs.insertErr = fmt.Errorf("insert commitment: %w", ledger.ErrDuplicateKey)

	_, err := f.ledger.CreateCommitment(f.ctx, operator, ledger.CommitmentInput{
		Number: "2025NE000091", Amount: money("300"), CreditNoteID: n.ID, SectionID: f.section.ID,
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	got := f.reload(t, n.ID)
	assertMoney(t, "1000", got.Available)
}
