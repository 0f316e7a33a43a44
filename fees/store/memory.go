// Package store provides the in-memory fees.TxStore.
package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/fee-engine/fees"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type tables struct {
	students    map[fees.StudentID]fees.Student
	definitions map[fees.DefinitionID]fees.FeeObligationDefinition
	exceptions  []fees.FeeException
	statuses    map[fees.ObligationStatusID]fees.ObligationStatus
	payments    []fees.Payment
	excess      map[fees.ExcessFeeID]fees.ExcessFee
	usages      []fees.CreditUsage
	audit       []fees.AuditLogEntry

	// excessSeq records insertion order; it breaks CreatedAt ties in FIFO.
	excessSeq map[fees.ExcessFeeID]int64
	nextSeq   int64
}

func newTables() *tables {
	return &tables{
		students:    make(map[fees.StudentID]fees.Student),
		definitions: make(map[fees.DefinitionID]fees.FeeObligationDefinition),
		statuses:    make(map[fees.ObligationStatusID]fees.ObligationStatus),
		excess:      make(map[fees.ExcessFeeID]fees.ExcessFee),
		excessSeq:   make(map[fees.ExcessFeeID]int64),
	}
}

// clone copies every table. Rows are values and are never mutated in
// place, so a shallow copy per table is enough for rollback.
func (t *tables) clone() *tables {
	c := &tables{
		students:    make(map[fees.StudentID]fees.Student, len(t.students)),
		definitions: make(map[fees.DefinitionID]fees.FeeObligationDefinition, len(t.definitions)),
		exceptions:  slices.Clone(t.exceptions),
		statuses:    make(map[fees.ObligationStatusID]fees.ObligationStatus, len(t.statuses)),
		payments:    slices.Clone(t.payments),
		excess:      make(map[fees.ExcessFeeID]fees.ExcessFee, len(t.excess)),
		usages:      slices.Clone(t.usages),
		audit:       slices.Clone(t.audit),
		excessSeq:   maps.Clone(t.excessSeq),
		nextSeq:     t.nextSeq,
	}
	for k, v := range t.students {
		c.students[k] = v
	}
	for k, v := range t.definitions {
		c.definitions[k] = v
	}
	for k, v := range t.statuses {
		c.statuses[k] = v
	}
	for k, v := range t.excess {
		c.excess[k] = v
	}
	return c
}

// Memory is a fees.TxStore backed by maps. All access is serialised;
// WithTx holds the write lock for the whole transaction.
type Memory struct {
	mu   sync.RWMutex
	data *tables
}

var _ fees.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: newTables()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(fees.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&view{t: m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newTables()
	return nil
}

func (m *Memory) read() (*view, func()) {
	m.mu.RLock()
	return &view{t: m.data}, m.mu.RUnlock
}

func (m *Memory) write() (*view, func()) {
	m.mu.Lock()
	return &view{t: m.data}, m.mu.Unlock
}

// =============================================================================
// LOCKING WRAPPERS
// =============================================================================

func (m *Memory) SaveStudent(ctx context.Context, s fees.Student) error {
	v, done := m.write()
	defer done()
	return v.SaveStudent(ctx, s)
}

func (m *Memory) GetStudent(ctx context.Context, id fees.StudentID) (*fees.Student, error) {
	v, done := m.read()
	defer done()
	return v.GetStudent(ctx, id)
}

func (m *Memory) ListStudents(ctx context.Context, q fees.StudentQuery) ([]fees.Student, error) {
	v, done := m.read()
	defer done()
	return v.ListStudents(ctx, q)
}

func (m *Memory) SaveDefinition(ctx context.Context, def fees.FeeObligationDefinition) error {
	v, done := m.write()
	defer done()
	return v.SaveDefinition(ctx, def)
}

func (m *Memory) GetDefinition(ctx context.Context, id fees.DefinitionID) (*fees.FeeObligationDefinition, error) {
	v, done := m.read()
	defer done()
	return v.GetDefinition(ctx, id)
}

func (m *Memory) ListDefinitions(ctx context.Context, year fees.AcademicYearID, term fees.TermID) ([]fees.FeeObligationDefinition, error) {
	v, done := m.read()
	defer done()
	return v.ListDefinitions(ctx, year, term)
}

func (m *Memory) SaveException(ctx context.Context, e fees.FeeException) error {
	v, done := m.write()
	defer done()
	return v.SaveException(ctx, e)
}

func (m *Memory) ActiveExceptions(ctx context.Context, studentID fees.StudentID, at time.Time) ([]fees.FeeException, error) {
	v, done := m.read()
	defer done()
	return v.ActiveExceptions(ctx, studentID, at)
}

func (m *Memory) GetObligationStatus(ctx context.Context, studentID fees.StudentID, defID fees.DefinitionID, year fees.AcademicYearID, term fees.TermID) (*fees.ObligationStatus, error) {
	v, done := m.read()
	defer done()
	return v.GetObligationStatus(ctx, studentID, defID, year, term)
}

func (m *Memory) ListObligationStatuses(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ObligationStatus, error) {
	v, done := m.read()
	defer done()
	return v.ListObligationStatuses(ctx, studentID, year, term)
}

func (m *Memory) ListOpenObligationStatuses(ctx context.Context) ([]fees.ObligationStatus, error) {
	v, done := m.read()
	defer done()
	return v.ListOpenObligationStatuses(ctx)
}

func (m *Memory) InsertObligationStatus(ctx context.Context, s fees.ObligationStatus) error {
	v, done := m.write()
	defer done()
	return v.InsertObligationStatus(ctx, s)
}

func (m *Memory) UpdateObligationStatus(ctx context.Context, s fees.ObligationStatus, expectedVersion int64) error {
	v, done := m.write()
	defer done()
	return v.UpdateObligationStatus(ctx, s, expectedVersion)
}

func (m *Memory) InsertPayment(ctx context.Context, p fees.Payment) error {
	v, done := m.write()
	defer done()
	return v.InsertPayment(ctx, p)
}

func (m *Memory) ListPayments(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.Payment, error) {
	v, done := m.read()
	defer done()
	return v.ListPayments(ctx, studentID, year, term)
}

func (m *Memory) ListUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	v, done := m.read()
	defer done()
	return v.ListUnusedExcessFees(ctx, studentID, year, term)
}

func (m *Memory) LockUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	v, done := m.read()
	defer done()
	return v.LockUnusedExcessFees(ctx, studentID, year, term)
}

func (m *Memory) ListExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	v, done := m.read()
	defer done()
	return v.ListExcessFees(ctx, studentID, year, term)
}

func (m *Memory) InsertExcessFee(ctx context.Context, e fees.ExcessFee) error {
	v, done := m.write()
	defer done()
	return v.InsertExcessFee(ctx, e)
}

func (m *Memory) UpdateExcessFee(ctx context.Context, e fees.ExcessFee, expectedVersion int64) error {
	v, done := m.write()
	defer done()
	return v.UpdateExcessFee(ctx, e, expectedVersion)
}

func (m *Memory) InsertCreditUsage(ctx context.Context, u fees.CreditUsage) error {
	v, done := m.write()
	defer done()
	return v.InsertCreditUsage(ctx, u)
}

func (m *Memory) ListCreditUsages(ctx context.Context, studentID fees.StudentID) ([]fees.CreditUsage, error) {
	v, done := m.read()
	defer done()
	return v.ListCreditUsages(ctx, studentID)
}

func (m *Memory) AppendAudit(ctx context.Context, entry fees.AuditLogEntry) error {
	v, done := m.write()
	defer done()
	return v.AppendAudit(ctx, entry)
}

func (m *Memory) QueryAudit(ctx context.Context, filter fees.AuditFilter) ([]fees.AuditLogEntry, error) {
	v, done := m.read()
	defer done()
	return v.QueryAudit(ctx, filter)
}

// =============================================================================
// VIEW - unlocked access, used directly inside WithTx
// =============================================================================

var _ fees.Store = (*view)(nil)

type view struct {
	t *tables
}

func (v *view) SaveStudent(_ context.Context, s fees.Student) error {
	s.Categories = slices.Clone(s.Categories)
	s.SpecialProgrammes = slices.Clone(s.SpecialProgrammes)
	v.t.students[s.ID] = s
	return nil
}

func (v *view) GetStudent(_ context.Context, id fees.StudentID) (*fees.Student, error) {
	s, ok := v.t.students[id]
	if !ok {
		return nil, &fees.NotFoundError{Entity: "student", ID: string(id)}
	}
	return &s, nil
}

func (v *view) ListStudents(_ context.Context, q fees.StudentQuery) ([]fees.Student, error) {
	var out []fees.Student
	for _, s := range v.t.students {
		if len(q.IDs) > 0 && !slices.Contains(q.IDs, s.ID) {
			continue
		}
		if q.ClassID != "" && s.ClassID != q.ClassID {
			continue
		}
		if q.GradeID != "" && s.GradeID != q.GradeID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) SaveDefinition(_ context.Context, def fees.FeeObligationDefinition) error {
	def.Categories = slices.Clone(def.Categories)
	def.SpecialProgrammes = slices.Clone(def.SpecialProgrammes)
	def.Grades = slices.Clone(def.Grades)
	def.Classes = slices.Clone(def.Classes)
	v.t.definitions[def.ID] = def
	return nil
}

func (v *view) GetDefinition(_ context.Context, id fees.DefinitionID) (*fees.FeeObligationDefinition, error) {
	def, ok := v.t.definitions[id]
	if !ok {
		return nil, &fees.NotFoundError{Entity: "fee definition", ID: string(id)}
	}
	return &def, nil
}

func (v *view) ListDefinitions(_ context.Context, year fees.AcademicYearID, term fees.TermID) ([]fees.FeeObligationDefinition, error) {
	var out []fees.FeeObligationDefinition
	for _, def := range v.t.definitions {
		if def.Active && def.AcademicYearID == year && def.TermID == term {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) SaveException(_ context.Context, e fees.FeeException) error {
	v.t.exceptions = append(v.t.exceptions, e)
	return nil
}

func (v *view) ActiveExceptions(_ context.Context, studentID fees.StudentID, at time.Time) ([]fees.FeeException, error) {
	var out []fees.FeeException
	for _, e := range v.t.exceptions {
		if e.StudentID == studentID && e.ActiveAt(at) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) GetObligationStatus(_ context.Context, studentID fees.StudentID, defID fees.DefinitionID, year fees.AcademicYearID, term fees.TermID) (*fees.ObligationStatus, error) {
	for _, s := range v.t.statuses {
		if s.StudentID == studentID && s.DefinitionID == defID && s.AcademicYearID == year && s.TermID == term {
			return &s, nil
		}
	}
	return nil, nil
}

func (v *view) ListObligationStatuses(_ context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ObligationStatus, error) {
	var out []fees.ObligationStatus
	for _, s := range v.t.statuses {
		if s.StudentID == studentID && s.AcademicYearID == year && s.TermID == term {
			out = append(out, s)
		}
	}
	sortStatuses(out)
	return out, nil
}

func (v *view) ListOpenObligationStatuses(_ context.Context) ([]fees.ObligationStatus, error) {
	var out []fees.ObligationStatus
	for _, s := range v.t.statuses {
		if s.Status != fees.StatusCompleted {
			out = append(out, s)
		}
	}
	sortStatuses(out)
	return out, nil
}

func sortStatuses(out []fees.ObligationStatus) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func (v *view) InsertObligationStatus(ctx context.Context, s fees.ObligationStatus) error {
	existing, _ := v.GetObligationStatus(ctx, s.StudentID, s.DefinitionID, s.AcademicYearID, s.TermID)
	if existing != nil {
		return &fees.ConcurrencyConflictError{Entity: "obligation status", ID: string(existing.ID)}
	}
	v.t.statuses[s.ID] = s
	return nil
}

func (v *view) UpdateObligationStatus(_ context.Context, s fees.ObligationStatus, expectedVersion int64) error {
	cur, ok := v.t.statuses[s.ID]
	if !ok {
		return &fees.NotFoundError{Entity: "obligation status", ID: string(s.ID)}
	}
	if cur.Version != expectedVersion {
		return &fees.ConcurrencyConflictError{Entity: "obligation status", ID: string(s.ID)}
	}
	s.Version = expectedVersion + 1
	v.t.statuses[s.ID] = s
	return nil
}

func (v *view) InsertPayment(_ context.Context, p fees.Payment) error {
	v.t.payments = append(v.t.payments, p)
	return nil
}

func (v *view) ListPayments(_ context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.Payment, error) {
	var out []fees.Payment
	for _, p := range v.t.payments {
		if p.StudentID == studentID && p.AcademicYearID == year && p.TermID == term {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *view) ListUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	all, _ := v.ListExcessFees(ctx, studentID, year, term)
	out := all[:0]
	for _, e := range all {
		if !e.IsUsed {
			out = append(out, e)
		}
	}
	return out, nil
}

// LockUnusedExcessFees needs no extra locking: WithTx already holds the
// store's write lock.
func (v *view) LockUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	return v.ListUnusedExcessFees(ctx, studentID, year, term)
}

func (v *view) ListExcessFees(_ context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	var out []fees.ExcessFee
	for _, e := range v.t.excess {
		if e.StudentID == studentID && e.AcademicYearID == year && e.TermID == term {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return v.t.excessSeq[out[i].ID] < v.t.excessSeq[out[j].ID]
	})
	return out, nil
}

func (v *view) InsertExcessFee(_ context.Context, e fees.ExcessFee) error {
	if _, ok := v.t.excess[e.ID]; !ok {
		v.t.nextSeq++
		v.t.excessSeq[e.ID] = v.t.nextSeq
	}
	v.t.excess[e.ID] = e
	return nil
}

func (v *view) UpdateExcessFee(_ context.Context, e fees.ExcessFee, expectedVersion int64) error {
	cur, ok := v.t.excess[e.ID]
	if !ok {
		return &fees.NotFoundError{Entity: "excess fee", ID: string(e.ID)}
	}
	if cur.Version != expectedVersion {
		return &fees.ConcurrencyConflictError{Entity: "excess fee", ID: string(e.ID)}
	}
	e.Version = expectedVersion + 1
	v.t.excess[e.ID] = e
	return nil
}

func (v *view) InsertCreditUsage(_ context.Context, u fees.CreditUsage) error {
	v.t.usages = append(v.t.usages, u)
	return nil
}

func (v *view) ListCreditUsages(_ context.Context, studentID fees.StudentID) ([]fees.CreditUsage, error) {
	var out []fees.CreditUsage
	for _, u := range v.t.usages {
		if u.StudentID == studentID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (v *view) AppendAudit(_ context.Context, entry fees.AuditLogEntry) error {
	v.t.audit = append(v.t.audit, entry)
	return nil
}

func (v *view) QueryAudit(_ context.Context, filter fees.AuditFilter) ([]fees.AuditLogEntry, error) {
	var out []fees.AuditLogEntry
	for i := len(v.t.audit) - 1; i >= 0; i-- {
		e := v.t.audit[i]
		if filter.EntityType != nil && e.EntityType != *filter.EntityType {
			continue
		}
		if filter.EntityID != nil && e.EntityID != *filter.EntityID {
			continue
		}
		if len(filter.Actions) > 0 && !slices.Contains(filter.Actions, e.Action) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
