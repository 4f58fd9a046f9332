// Package store provides in-memory ledger.TxStore implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one RWMutex. Reads outside a
// transaction take the read lock; WithTx holds the write lock for the whole
// unit of work, which makes every row lock trivially exclusive.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	sections    map[ledger.SectionID]ledger.Section
	notes       map[ledger.CreditNoteID]ledger.CreditNote
	commitments map[ledger.CommitmentID]ledger.Commitment
	annulments  map[ledger.AnnulmentID]ledger.Annulment
	returns     map[ledger.BalanceReturnID]ledger.BalanceReturn
	audit       []ledger.AuditRecord
	nextID      int64
}

func newState() *state {
	return &state{
		sections:    make(map[ledger.SectionID]ledger.Section),
		notes:       make(map[ledger.CreditNoteID]ledger.CreditNote),
		commitments: make(map[ledger.CommitmentID]ledger.Commitment),
		annulments:  make(map[ledger.AnnulmentID]ledger.Annulment),
		returns:     make(map[ledger.BalanceReturnID]ledger.BalanceReturn),
	}
}

// clone copies every table; rows are values, so a shallow map copy suffices.
func (s *state) clone() *state {
	c := &state{
		sections:    make(map[ledger.SectionID]ledger.Section, len(s.sections)),
		notes:       make(map[ledger.CreditNoteID]ledger.CreditNote, len(s.notes)),
		commitments: make(map[ledger.CommitmentID]ledger.Commitment, len(s.commitments)),
		annulments:  make(map[ledger.AnnulmentID]ledger.Annulment, len(s.annulments)),
		returns:     make(map[ledger.BalanceReturnID]ledger.BalanceReturn, len(s.returns)),
		audit:       append([]ledger.AuditRecord(nil), s.audit...),
		nextID:      s.nextID,
	}
	for k, v := range s.sections {
		c.sections[k] = v
	}
	for k, v := range s.notes {
		c.notes[k] = v
	}
	for k, v := range s.commitments {
		c.commitments[k] = v
	}
	for k, v := range s.annulments {
		c.annulments[k] = v
	}
	for k, v := range s.returns {
		c.returns[k] = v
	}
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// =============================================================================
// READS (unlocked, shared by Memory and the tx view)
// =============================================================================

func (s *state) getSection(id ledger.SectionID) *ledger.Section {
	sec, ok := s.sections[id]
	if !ok {
		return nil
	}
	return &sec
}

func (s *state) listSections() []ledger.Section {
	out := make([]ledger.Section, 0, len(s.sections))
	for _, sec := range s.sections {
		out = append(out, sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) hydrateNote(n ledger.CreditNote) ledger.CreditNote {
	n.Section = s.getSection(n.SectionID)
	return n
}

func (s *state) getCreditNote(id ledger.CreditNoteID) *ledger.CreditNote {
	n, ok := s.notes[id]
	if !ok {
		return nil
	}
	n = s.hydrateNote(n)
	return &n
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func (s *state) listCreditNotes(f ledger.CreditNoteFilter) []ledger.CreditNote {
	out := []ledger.CreditNote{}
	for _, n := range s.notes {
		if f.Number != "" && !containsFold(n.Number, f.Number) {
			continue
		}
		if f.InternalPlan != "" && !containsFold(n.InternalPlan, f.InternalPlan) {
			continue
		}
		if f.ExpenseNature != "" && !strings.Contains(n.ExpenseNature, f.ExpenseNature) {
			continue
		}
		if f.SectionID != 0 && n.SectionID != f.SectionID {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.DeadlineBy != nil && n.Deadline.After(*f.DeadlineBy) {
			continue
		}
		out = append(out, s.hydrateNote(n))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ArrivalDate.Equal(out[j].ArrivalDate) {
			return out[i].ArrivalDate.After(out[j].ArrivalDate)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *state) hydrateCommitment(c ledger.Commitment) ledger.Commitment {
	c.CreditNote = s.getCreditNote(c.CreditNoteID)
	c.Section = s.getSection(c.SectionID)
	return c
}

func (s *state) getCommitment(id ledger.CommitmentID) *ledger.Commitment {
	c, ok := s.commitments[id]
	if !ok {
		return nil
	}
	c = s.hydrateCommitment(c)
	return &c
}

func (s *state) listCommitments(f ledger.CommitmentFilter) []ledger.Commitment {
	out := []ledger.Commitment{}
	for _, c := range s.commitments {
		if f.CreditNoteID != 0 && c.CreditNoteID != f.CreditNoteID {
			continue
		}
		if f.Number != "" && !containsFold(c.Number, f.Number) {
			continue
		}
		out = append(out, s.hydrateCommitment(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *state) listAnnulments(id ledger.CommitmentID) []ledger.Annulment {
	out := []ledger.Annulment{}
	for _, a := range s.annulments {
		if a.CommitmentID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) listBalanceReturns(id ledger.CreditNoteID) []ledger.BalanceReturn {
	out := []ledger.BalanceReturn{}
	for _, r := range s.returns {
		if r.CreditNoteID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) listAudit(limit int) []ledger.AuditRecord {
	out := []ledger.AuditRecord{}
	for i := len(s.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, s.audit[i])
	}
	return out
}

func (s *state) totals() ledger.Totals {
	t := ledger.Totals{
		AvailableBalance: decimal.Zero,
		CommittedGross:   decimal.Zero,
		Annulled:         decimal.Zero,
	}
	for _, n := range s.notes {
		t.AvailableBalance = t.AvailableBalance.Add(n.Available)
		if n.Status == ledger.StatusActive {
			t.ActiveNotes++
		}
	}
	for _, c := range s.commitments {
		t.CommittedGross = t.CommittedGross.Add(c.Amount)
	}
	for _, a := range s.annulments {
		t.Annulled = t.Annulled.Add(a.Amount)
	}
	return t
}

// =============================================================================
// MEMORY - ledger.Reader
// =============================================================================

func (m *Memory) GetSection(_ context.Context, id ledger.SectionID) (*ledger.Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSection(id), nil
}

func (m *Memory) ListSections(_ context.Context) ([]ledger.Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listSections(), nil
}

func (m *Memory) GetCreditNote(_ context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCreditNote(id), nil
}

func (m *Memory) ListCreditNotes(_ context.Context, f ledger.CreditNoteFilter) ([]ledger.CreditNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listCreditNotes(f), nil
}

func (m *Memory) GetCommitment(_ context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCommitment(id), nil
}

func (m *Memory) ListCommitments(_ context.Context, f ledger.CommitmentFilter) ([]ledger.Commitment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listCommitments(f), nil
}

func (m *Memory) ListAnnulments(_ context.Context, id ledger.CommitmentID) ([]ledger.Annulment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAnnulments(id), nil
}

func (m *Memory) ListBalanceReturns(_ context.Context, id ledger.CreditNoteID) ([]ledger.BalanceReturn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBalanceReturns(id), nil
}

func (m *Memory) ListAuditRecords(_ context.Context, limit int) ([]ledger.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAudit(limit), nil
}

func (m *Memory) Totals(_ context.Context) (ledger.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.totals(), nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// txView operates on the live state while the parent holds the write lock.
type txView struct {
	st *state
}

func (tv *txView) GetSection(_ context.Context, id ledger.SectionID) (*ledger.Section, error) {
	return tv.st.getSection(id), nil
}

func (tv *txView) ListSections(_ context.Context) ([]ledger.Section, error) {
	return tv.st.listSections(), nil
}

func (tv *txView) GetCreditNote(_ context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	return tv.st.getCreditNote(id), nil
}

func (tv *txView) ListCreditNotes(_ context.Context, f ledger.CreditNoteFilter) ([]ledger.CreditNote, error) {
	return tv.st.listCreditNotes(f), nil
}

func (tv *txView) GetCommitment(_ context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	return tv.st.getCommitment(id), nil
}

func (tv *txView) ListCommitments(_ context.Context, f ledger.CommitmentFilter) ([]ledger.Commitment, error) {
	return tv.st.listCommitments(f), nil
}

func (tv *txView) ListAnnulments(_ context.Context, id ledger.CommitmentID) ([]ledger.Annulment, error) {
	return tv.st.listAnnulments(id), nil
}

func (tv *txView) ListBalanceReturns(_ context.Context, id ledger.CreditNoteID) ([]ledger.BalanceReturn, error) {
	return tv.st.listBalanceReturns(id), nil
}

func (tv *txView) ListAuditRecords(_ context.Context, limit int) ([]ledger.AuditRecord, error) {
	return tv.st.listAudit(limit), nil
}

func (tv *txView) Totals(_ context.Context) (ledger.Totals, error) {
	return tv.st.totals(), nil
}

func (tv *txView) AppendAudit(_ context.Context, rec ledger.AuditRecord) error {
	tv.st.audit = append(tv.st.audit, rec)
	return nil
}

func (tv *txView) LockCreditNote(_ context.Context, id ledger.CreditNoteID) (*ledger.CreditNote, error) {
	return tv.st.getCreditNote(id), nil
}

func (tv *txView) LockCommitment(_ context.Context, id ledger.CommitmentID) (*ledger.Commitment, error) {
	c, ok := tv.st.commitments[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func duplicate(what, value string) error {
	return fmt.Errorf("%s %q: %w", what, value, ledger.ErrDuplicateKey)
}

func (tv *txView) InsertSection(ctx context.Context, s *ledger.Section) error {
	if taken, _ := tv.SectionNameTaken(ctx, s.Name, 0); taken {
		return duplicate("section name", s.Name)
	}
	s.ID = ledger.SectionID(tv.st.id())
	tv.st.sections[s.ID] = *s
	return nil
}

func (tv *txView) UpdateSection(ctx context.Context, s ledger.Section) error {
	if _, ok := tv.st.sections[s.ID]; !ok {
		return fmt.Errorf("update section %d: %w", s.ID, ledger.ErrNotFound)
	}
	if taken, _ := tv.SectionNameTaken(ctx, s.Name, s.ID); taken {
		return duplicate("section name", s.Name)
	}
	tv.st.sections[s.ID] = s
	return nil
}

func (tv *txView) DeleteSection(_ context.Context, id ledger.SectionID) error {
	delete(tv.st.sections, id)
	return nil
}

func (tv *txView) CountCreditNotesBySection(_ context.Context, id ledger.SectionID) (int, error) {
	count := 0
	for _, n := range tv.st.notes {
		if n.SectionID == id {
			count++
		}
	}
	return count, nil
}

func (tv *txView) CountCommitmentsBySection(_ context.Context, id ledger.SectionID) (int, error) {
	count := 0
	for _, c := range tv.st.commitments {
		if c.SectionID == id {
			count++
		}
	}
	return count, nil
}

// stripNote drops loaded associations before a row is stored.
func stripNote(n ledger.CreditNote) ledger.CreditNote {
	n.Section = nil
	return n
}

func (tv *txView) InsertCreditNote(ctx context.Context, n *ledger.CreditNote) error {
	if taken, _ := tv.CreditNoteNumberTaken(ctx, n.Number, 0); taken {
		return duplicate("credit note number", n.Number)
	}
	n.ID = ledger.CreditNoteID(tv.st.id())
	tv.st.notes[n.ID] = stripNote(*n)
	return nil
}

func (tv *txView) UpdateCreditNote(ctx context.Context, n ledger.CreditNote) error {
	if _, ok := tv.st.notes[n.ID]; !ok {
		return fmt.Errorf("update credit note %d: %w", n.ID, ledger.ErrNotFound)
	}
	if taken, _ := tv.CreditNoteNumberTaken(ctx, n.Number, n.ID); taken {
		return duplicate("credit note number", n.Number)
	}
	tv.st.notes[n.ID] = stripNote(n)
	return nil
}

func (tv *txView) DeleteCreditNote(_ context.Context, id ledger.CreditNoteID) error {
	for rid, r := range tv.st.returns {
		if r.CreditNoteID == id {
			delete(tv.st.returns, rid)
		}
	}
	delete(tv.st.notes, id)
	return nil
}

func (tv *txView) CountCommitments(_ context.Context, id ledger.CreditNoteID) (int, error) {
	count := 0
	for _, c := range tv.st.commitments {
		if c.CreditNoteID == id {
			count++
		}
	}
	return count, nil
}

func (tv *txView) InsertCommitment(ctx context.Context, c *ledger.Commitment) error {
	if taken, _ := tv.CommitmentNumberTaken(ctx, c.Number); taken {
		return duplicate("commitment number", c.Number)
	}
	c.ID = ledger.CommitmentID(tv.st.id())
	row := *c
	row.CreditNote, row.Section = nil, nil
	tv.st.commitments[c.ID] = row
	return nil
}

func (tv *txView) DeleteCommitment(_ context.Context, id ledger.CommitmentID) error {
	for aid, a := range tv.st.annulments {
		if a.CommitmentID == id {
			delete(tv.st.annulments, aid)
		}
	}
	delete(tv.st.commitments, id)
	return nil
}

func (tv *txView) InsertAnnulment(_ context.Context, a *ledger.Annulment) error {
	a.ID = ledger.AnnulmentID(tv.st.id())
	tv.st.annulments[a.ID] = *a
	return nil
}

func (tv *txView) InsertBalanceReturn(_ context.Context, r *ledger.BalanceReturn) error {
	r.ID = ledger.BalanceReturnID(tv.st.id())
	tv.st.returns[r.ID] = *r
	return nil
}

func (tv *txView) SectionNameTaken(_ context.Context, name string, exclude ledger.SectionID) (bool, error) {
	for id, s := range tv.st.sections {
		if id != exclude && strings.EqualFold(s.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (tv *txView) CreditNoteNumberTaken(_ context.Context, number string, exclude ledger.CreditNoteID) (bool, error) {
	for id, n := range tv.st.notes {
		if id != exclude && n.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (tv *txView) CommitmentNumberTaken(_ context.Context, number string) (bool, error) {
	for _, c := range tv.st.commitments {
		if c.Number == number {
			return true, nil
		}
	}
	return false, nil
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Tx      = (*txView)(nil)
)
