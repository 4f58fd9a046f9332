/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for demos. Every scenario goes through the ledger operations, so
	balances, statuses and audit records are the real thing.

AVAILABLE SCENARIOS:

	fully-committed:  A note drawn down to zero by two commitments
	annulment:        A commitment partly annulled, credit back on the note
	balance-return:   A note whose unused balance went back to the treasury
	deadlines:        Active notes with deadlines inside and past the warning window

HOW SCENARIOS WORK:
 1. Ensure the sections exist (reused when already present)
 2. Create credit notes
 3. Apply commitments, annulments and balance returns

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "annulment"}

USAGE VIA CLI:

	credit-ledger seed --scenario all

NOTE:

	Scenarios are additive. Loading one twice fails with 409 on the
	duplicate note number.

SEE ALSO:
  - cli/admin.go: seed command
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, today time.Time) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "fully-committed",
			Name:        "Fully Committed",
			Description: "Note of 1000.00 drawn down by 300.00 and 700.00; further commitments are refused",
		},
		load: loadFullyCommittedScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "annulment",
			Name:        "Partial Annulment",
			Description: "Note of 500.00 fully committed, then 200.00 annulled back to the note",
		},
		load: loadAnnulmentScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "balance-return",
			Name:        "Balance Return",
			Description: "Note of 800.00 with 250.00 committed and the remaining 550.00 returned",
		},
		load: loadBalanceReturnScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "deadlines",
			Name:        "Approaching Deadlines",
			Description: "Active notes due in 3 days, overdue by 2 days and due in 60 days",
		},
		load: loadDeadlinesScenario,
	},
}

// ScenarioIDs lists the loadable scenario IDs in order.
func ScenarioIDs() []string {
	ids := make([]string, len(scenarios))
	for i, s := range scenarios {
		ids[i] = s.ID
	}
	return ids
}

// LoadScenario loads one scenario by ID, or every scenario for "all".
func LoadScenario(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, id string) error {
	today := l.Today()
	if id == "all" {
		for _, s := range scenarios {
			if err := s.load(ctx, l, actor, today); err != nil {
				return fmt.Errorf("scenario %s: %w", s.ID, err)
			}
		}
		return nil
	}
	for _, s := range scenarios {
		if s.ID == id {
			return s.load(ctx, l, actor, today)
		}
	}
	return &ledger.ValidationError{
		Field:   "scenario_id",
		Message: fmt.Sprintf("unknown scenario %q (want one of: all, %s)", id, strings.Join(ScenarioIDs(), ", ")),
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads a scenario. Admin only.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor := ActorFrom(r.Context())
	if !actor.Elevated() {
		h.writeLedgerError(w, r, &ledger.ForbiddenError{Actor: actor.Name, Action: "load demo scenarios"})
		return
	}
	if err := LoadScenario(r.Context(), h.Ledger, actor, req.ScenarioID); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ensureSection returns the section with the given name, creating it if
// needed.
func ensureSection(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, name string) (*ledger.Section, error) {
	sections, err := l.ListSections(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sections {
		if strings.EqualFold(sections[i].Name, name) {
			return &sections[i], nil
		}
	}
	return l.CreateSection(ctx, actor, name)
}

type noteSpec struct {
	number   string
	total    string
	plan     string
	nature   string
	desc     string
	deadline time.Time
}

func createNote(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, sec *ledger.Section, today time.Time, spec noteSpec) (*ledger.CreditNote, error) {
	return l.CreateCreditNote(ctx, actor, ledger.CreditNoteInput{
		Number:        spec.number,
		TotalAmount:   amount(spec.total),
		Sphere:        "federal",
		Source:        "0100",
		PTRES:         "171460",
		InternalPlan:  spec.plan,
		ExpenseNature: spec.nature,
		Description:   spec.desc,
		SectionID:     sec.ID,
		ArrivalDate:   today,
		Deadline:      spec.deadline,
	})
}

func loadFullyCommittedScenario(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, today time.Time) error {
	sec, err := ensureSection(ctx, l, actor, "Procurement")
	if err != nil {
		return err
	}
	n, err := createNote(ctx, l, actor, sec, today, noteSpec{
		number: "2025NC000101", total: "1000.00", plan: "E3PCFSCDEGE", nature: "339030",
		desc: "Office supplies", deadline: today.AddDate(0, 1, 0),
	})
	if err != nil {
		return err
	}
	for i, amt := range []string{"300.00", "700.00"} {
		if _, err := l.CreateCommitment(ctx, actor, ledger.CommitmentInput{
			Number:       fmt.Sprintf("2025NE%06d", 101+i),
			Amount:       amount(amt),
			Date:         today,
			Note:         "supplies batch",
			CreditNoteID: n.ID,
			SectionID:    sec.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func loadAnnulmentScenario(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, today time.Time) error {
	sec, err := ensureSection(ctx, l, actor, "Maintenance")
	if err != nil {
		return err
	}
	n, err := createNote(ctx, l, actor, sec, today, noteSpec{
		number: "2025NC000201", total: "500.00", plan: "E3PCFSCMANU", nature: "339039",
		desc: "Building maintenance", deadline: today.AddDate(0, 2, 0),
	})
	if err != nil {
		return err
	}
	c, err := l.CreateCommitment(ctx, actor, ledger.CommitmentInput{
		Number:       "2025NE000201",
		Amount:       amount("500.00"),
		Date:         today,
		CreditNoteID: n.ID,
		SectionID:    sec.ID,
	})
	if err != nil {
		return err
	}
	_, err = l.CreateAnnulment(ctx, actor, ledger.AnnulmentInput{
		CommitmentID: c.ID,
		Amount:       amount("200.00"),
		Date:         today,
		Note:         "service scope reduced",
	})
	return err
}

func loadBalanceReturnScenario(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, today time.Time) error {
	sec, err := ensureSection(ctx, l, actor, "Training")
	if err != nil {
		return err
	}
	n, err := createNote(ctx, l, actor, sec, today, noteSpec{
		number: "2025NC000301", total: "800.00", plan: "E3PCFSCTRNG", nature: "339036",
		desc: "Course fees", deadline: today.AddDate(0, 0, 20),
	})
	if err != nil {
		return err
	}
	if _, err := l.CreateCommitment(ctx, actor, ledger.CommitmentInput{
		Number:       "2025NE000301",
		Amount:       amount("250.00"),
		Date:         today,
		CreditNoteID: n.ID,
		SectionID:    sec.ID,
	}); err != nil {
		return err
	}
	_, err = l.CreateBalanceReturn(ctx, actor, ledger.BalanceReturnInput{
		CreditNoteID: n.ID,
		Amount:       amount("550.00"),
		Date:         today,
		Note:         "unused at end of term",
	})
	return err
}

func loadDeadlinesScenario(ctx context.Context, l *ledger.Ledger, actor ledger.Actor, today time.Time) error {
	sec, err := ensureSection(ctx, l, actor, "Logistics")
	if err != nil {
		return err
	}
	specs := []noteSpec{
		{number: "2025NC000401", total: "1200.00", plan: "E3PCFSCLOGI", nature: "339033",
			desc: "Fuel", deadline: today.AddDate(0, 0, 3)},
		{number: "2025NC000402", total: "90.50", plan: "E3PCFSCLOGI", nature: "339033",
			desc: "Tolls", deadline: today.AddDate(0, 0, -2)},
		{number: "2025NC000403", total: "5000.00", plan: "E3PCFSCLOGI", nature: "449052",
			desc: "Vehicle parts", deadline: today.AddDate(0, 0, 60)},
	}
	for _, spec := range specs {
		if _, err := createNote(ctx, l, actor, sec, today, spec); err != nil {
			return err
		}
	}
	return nil
}
