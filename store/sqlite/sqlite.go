/*
Package sqlite provides a SQLite-backed fees.TxStore.

PURPOSE:
  Persists students, fee definitions, exceptions, obligation state,
  payments, credit and the audit trail in a single SQLite file. Good for
  single-node deployments and for tests (":memory:").

KEY TABLES:
  students:            reference data, categories/programmes as JSON
  fee_definitions:     versioned charges per academic year + term
  fee_exceptions:      time-bounded discounts
  obligation_statuses: per-student payment state, UNIQUE per definition+term
  payments:            immutable, insert only
  excess_fees:         credit rows, reduced in place
  credit_usages:       one row per credit draw
  audit_logs:          append-only, seq gives insertion order

MONEY:
  Stored as TEXT decimal strings and parsed with shopspring/decimal. Never
  REAL.

TIMESTAMPS:
  Stored as fixed-width UTC strings (timeLayout) so string comparison in
  SQL is chronological.

CONCURRENCY:
  The pool is limited to one connection. SQLite has a single writer and a
  ":memory:" database only exists per connection, so one connection keeps
  both correct. WithTx additionally serialises transactions with a mutex.
  Updates are version-checked (optimistic locking) like every other store.

USAGE:
  store, err := sqlite.New("./data/fees.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := fees.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - fees/store.go: interface definitions
  - fees/store/memory.go: in-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/fee-engine/fees"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements fees.TxStore using SQLite.
type Store struct {
	*repo
	db *sql.DB
	mu sync.Mutex
}

var _ fees.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{repo: &repo{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		grade_id TEXT NOT NULL,
		class_id TEXT NOT NULL DEFAULT '',
		categories_json TEXT NOT NULL DEFAULT '[]',
		programmes_json TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_students_class ON students(class_id);
	CREATE INDEX IF NOT EXISTS idx_students_grade ON students(grade_id);

	CREATE TABLE IF NOT EXISTS fee_definitions (
		id TEXT PRIMARY KEY,
		fee_type TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_date TEXT,
		categories_json TEXT NOT NULL DEFAULT '[]',
		programmes_json TEXT NOT NULL DEFAULT '[]',
		grades_json TEXT NOT NULL DEFAULT '[]',
		classes_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_definitions_term
		ON fee_definitions(academic_year_id, term_id);

	CREATE TABLE IF NOT EXISTS fee_exceptions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_student
		ON fee_exceptions(student_id, start_date);

	CREATE TABLE IF NOT EXISTS obligation_statuses (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		due_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		last_payment_at TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(student_id, definition_id, academic_year_id, term_id)
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_open
		ON obligation_statuses(status) WHERE status <> 'COMPLETED';

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		obligation_status_id TEXT NOT NULL REFERENCES obligation_statuses(id),
		student_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		credit_amount TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL DEFAULT '',
		paid_at TEXT NOT NULL,
		has_excess_fee INTEGER NOT NULL DEFAULT 0,
		excess_amount TEXT NOT NULL DEFAULT '0',
		generated_excess_fee_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_student_term
		ON payments(student_id, academic_year_id, term_id, paid_at);

	CREATE TABLE IF NOT EXISTS excess_fees (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		amount TEXT NOT NULL,
		is_used INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		source_batch_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- FIFO credit consumption (hot path)
	CREATE INDEX IF NOT EXISTS idx_excess_fifo
		ON excess_fees(student_id, academic_year_id, term_id, created_at);

	CREATE TABLE IF NOT EXISTS credit_usages (
		id TEXT PRIMARY KEY,
		excess_fee_id TEXT NOT NULL REFERENCES excess_fees(id),
		student_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_usages_student
		ON credit_usages(student_id);

	CREATE TABLE IF NOT EXISTS audit_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		changes_json TEXT,
		old_values_json TEXT,
		new_values_json TEXT,
		performed_by TEXT NOT NULL,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_logs(entity_type, entity_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (fees.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store fees.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fees.Persistence("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&repo{q: sqlTx}); err != nil {
		return err
	}

	return fees.Persistence("commit", sqlTx.Commit())
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_logs", "credit_usages", "payments", "excess_fees",
		"obligation_statuses", "fee_exceptions", "fee_definitions", "students"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fees.Persistence("reset "+table, err)
		}
	}
	return nil
}

// =============================================================================
// REPO - all fees.Store operations over a *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type repo struct {
	q querier
}

// =============================================================================
// STUDENTS
// =============================================================================

const studentColumns = `id, name, grade_id, class_id, categories_json, programmes_json, active, created_at`

func (r *repo) SaveStudent(ctx context.Context, s fees.Student) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO students (`+studentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			grade_id = excluded.grade_id,
			class_id = excluded.class_id,
			categories_json = excluded.categories_json,
			programmes_json = excluded.programmes_json,
			active = excluded.active
	`,
		s.ID, s.Name, s.GradeID, s.ClassID,
		toJSON(s.Categories), toJSON(s.SpecialProgrammes),
		s.Active, formatTime(s.CreatedAt),
	)
	return fees.Persistence("save student", err)
}

func (r *repo) GetStudent(ctx context.Context, id fees.StudentID) (*fees.Student, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = ?`, id)
	s, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &fees.NotFoundError{Entity: "student", ID: string(id)}
	}
	if err != nil {
		return nil, fees.Persistence("get student", err)
	}
	return &s, nil
}

func (r *repo) ListStudents(ctx context.Context, filter fees.StudentQuery) ([]fees.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE 1=1`
	var args []any
	if filter.ClassID != "" {
		query += ` AND class_id = ?`
		args = append(args, filter.ClassID)
	}
	if filter.GradeID != "" {
		query += ` AND grade_id = ?`
		args = append(args, filter.GradeID)
	}
	if len(filter.IDs) > 0 {
		query += ` AND id IN (` + placeholders(len(filter.IDs)) + `)`
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fees.Persistence("list students", err)
	}
	defer rows.Close()

	var out []fees.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, fees.Persistence("scan student", err)
		}
		out = append(out, s)
	}
	return out, fees.Persistence("list students", rows.Err())
}

func scanStudent(row scanner) (fees.Student, error) {
	var (
		s                      fees.Student
		categories, programmes string
		createdAt              string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.GradeID, &s.ClassID, &categories, &programmes, &s.Active, &createdAt); err != nil {
		return s, err
	}
	if err := fromJSON(categories, &s.Categories); err != nil {
		return s, err
	}
	if err := fromJSON(programmes, &s.SpecialProgrammes); err != nil {
		return s, err
	}
	s.CreatedAt = parseTime(createdAt)
	return s, nil
}

// =============================================================================
// DEFINITIONS & EXCEPTIONS
// =============================================================================

const definitionColumns = `id, fee_type, academic_year_id, term_id, amount, due_date,
	categories_json, programmes_json, grades_json, classes_json,
	version, active, created_at, updated_at`

func (r *repo) SaveDefinition(ctx context.Context, def fees.FeeObligationDefinition) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO fee_definitions (`+definitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fee_type = excluded.fee_type,
			academic_year_id = excluded.academic_year_id,
			term_id = excluded.term_id,
			amount = excluded.amount,
			due_date = excluded.due_date,
			categories_json = excluded.categories_json,
			programmes_json = excluded.programmes_json,
			grades_json = excluded.grades_json,
			classes_json = excluded.classes_json,
			version = excluded.version,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		def.ID, def.FeeType, def.AcademicYearID, def.TermID,
		def.Amount.String(), nullTime(def.DueDate),
		toJSON(def.Categories), toJSON(def.SpecialProgrammes), toJSON(def.Grades), toJSON(def.Classes),
		def.Version, def.Active, formatTime(def.CreatedAt), formatTime(def.UpdatedAt),
	)
	return fees.Persistence("save definition", err)
}

func (r *repo) GetDefinition(ctx context.Context, id fees.DefinitionID) (*fees.FeeObligationDefinition, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM fee_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &fees.NotFoundError{Entity: "fee definition", ID: string(id)}
	}
	if err != nil {
		return nil, fees.Persistence("get definition", err)
	}
	return &def, nil
}

func (r *repo) ListDefinitions(ctx context.Context, year fees.AcademicYearID, term fees.TermID) ([]fees.FeeObligationDefinition, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+definitionColumns+` FROM fee_definitions
		WHERE academic_year_id = ? AND term_id = ? AND active = 1
		ORDER BY id
	`, year, term)
	if err != nil {
		return nil, fees.Persistence("list definitions", err)
	}
	defer rows.Close()

	var out []fees.FeeObligationDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fees.Persistence("scan definition", err)
		}
		out = append(out, def)
	}
	return out, fees.Persistence("list definitions", rows.Err())
}

func scanDefinition(row scanner) (fees.FeeObligationDefinition, error) {
	var (
		def                                     fees.FeeObligationDefinition
		amount                                  string
		dueDate                                 sql.NullString
		categories, programmes, grades, classes string
		createdAt, updatedAt                    string
	)
	err := row.Scan(&def.ID, &def.FeeType, &def.AcademicYearID, &def.TermID, &amount, &dueDate,
		&categories, &programmes, &grades, &classes,
		&def.Version, &def.Active, &createdAt, &updatedAt)
	if err != nil {
		return def, err
	}
	if def.Amount, err = decimal.NewFromString(amount); err != nil {
		return def, err
	}
	for _, f := range []struct {
		raw  string
		dest *[]string
	}{
		{categories, &def.Categories},
		{programmes, &def.SpecialProgrammes},
		{grades, &def.Grades},
		{classes, &def.Classes},
	} {
		if err := fromJSON(f.raw, f.dest); err != nil {
			return def, err
		}
	}
	def.DueDate = parseNullTime(dueDate)
	def.CreatedAt = parseTime(createdAt)
	def.UpdatedAt = parseTime(updatedAt)
	return def, nil
}

func (r *repo) SaveException(ctx context.Context, e fees.FeeException) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO fee_exceptions (id, student_id, definition_id, type, value, start_date, end_date, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.StudentID, e.DefinitionID, e.Type, e.Value.String(),
		formatTime(e.StartDate), nullTime(e.EndDate), e.Reason, formatTime(e.CreatedAt),
	)
	return fees.Persistence("save exception", err)
}

func (r *repo) ActiveExceptions(ctx context.Context, studentID fees.StudentID, at time.Time) ([]fees.FeeException, error) {
	ts := formatTime(at)
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, student_id, definition_id, type, value, start_date, end_date, reason, created_at
		FROM fee_exceptions
		WHERE student_id = ? AND start_date <= ? AND (end_date IS NULL OR end_date >= ?)
		ORDER BY created_at ASC, id ASC
	`, studentID, ts, ts)
	if err != nil {
		return nil, fees.Persistence("active exceptions", err)
	}
	defer rows.Close()

	var out []fees.FeeException
	for rows.Next() {
		var (
			e                fees.FeeException
			value            string
			start, createdAt string
			end              sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.DefinitionID, &e.Type, &value, &start, &end, &e.Reason, &createdAt); err != nil {
			return nil, fees.Persistence("scan exception", err)
		}
		if e.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fees.Persistence("scan exception", err)
		}
		e.StartDate = parseTime(start)
		e.EndDate = parseNullTime(end)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, fees.Persistence("active exceptions", rows.Err())
}

// =============================================================================
// OBLIGATION STATUS
// =============================================================================

const statusColumns = `id, student_id, definition_id, academic_year_id, term_id,
	due_amount, paid_amount, status, last_payment_at, version, created_at, updated_at`

func (r *repo) GetObligationStatus(ctx context.Context, studentID fees.StudentID, defID fees.DefinitionID, year fees.AcademicYearID, term fees.TermID) (*fees.ObligationStatus, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+statusColumns+` FROM obligation_statuses
		WHERE student_id = ? AND definition_id = ? AND academic_year_id = ? AND term_id = ?
	`, studentID, defID, year, term)
	s, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fees.Persistence("get obligation status", err)
	}
	return &s, nil
}

func (r *repo) ListObligationStatuses(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ObligationStatus, error) {
	return r.queryStatuses(ctx, `
		SELECT `+statusColumns+` FROM obligation_statuses
		WHERE student_id = ? AND academic_year_id = ? AND term_id = ?
		ORDER BY created_at, id
	`, studentID, year, term)
}

func (r *repo) ListOpenObligationStatuses(ctx context.Context) ([]fees.ObligationStatus, error) {
	return r.queryStatuses(ctx, `
		SELECT `+statusColumns+` FROM obligation_statuses
		WHERE status <> 'COMPLETED'
		ORDER BY created_at, id
	`)
}

func (r *repo) queryStatuses(ctx context.Context, query string, args ...any) ([]fees.ObligationStatus, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fees.Persistence("list obligation statuses", err)
	}
	defer rows.Close()

	var out []fees.ObligationStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, fees.Persistence("scan obligation status", err)
		}
		out = append(out, s)
	}
	return out, fees.Persistence("list obligation statuses", rows.Err())
}

func (r *repo) InsertObligationStatus(ctx context.Context, s fees.ObligationStatus) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO obligation_statuses (`+statusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.ID, s.StudentID, s.DefinitionID, s.AcademicYearID, s.TermID,
		s.DueAmount.String(), s.PaidAmount.String(), s.Status, nullTime(s.LastPaymentAt),
		s.Version, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return &fees.ConcurrencyConflictError{Entity: "obligation status", ID: string(s.ID)}
	}
	return fees.Persistence("insert obligation status", err)
}

func (r *repo) UpdateObligationStatus(ctx context.Context, s fees.ObligationStatus, expectedVersion int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE obligation_statuses
		SET paid_amount = ?, status = ?, last_payment_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		s.PaidAmount.String(), s.Status, nullTime(s.LastPaymentAt), expectedVersion+1, formatTime(s.UpdatedAt),
		s.ID, expectedVersion,
	)
	if err != nil {
		return fees.Persistence("update obligation status", err)
	}
	return r.checkVersioned(ctx, res, "obligation_statuses", "obligation status", string(s.ID))
}

func scanStatus(row scanner) (fees.ObligationStatus, error) {
	var (
		s                    fees.ObligationStatus
		due, paid            string
		lastPayment          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&s.ID, &s.StudentID, &s.DefinitionID, &s.AcademicYearID, &s.TermID,
		&due, &paid, &s.Status, &lastPayment, &s.Version, &createdAt, &updatedAt)
	if err != nil {
		return s, err
	}
	if s.DueAmount, err = decimal.NewFromString(due); err != nil {
		return s, err
	}
	if s.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return s, err
	}
	s.LastPaymentAt = parseNullTime(lastPayment)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

// checkVersioned turns a zero-row optimistic update into NotFound or
// ConcurrencyConflict.
func (r *repo) checkVersioned(ctx context.Context, res sql.Result, table, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fees.Persistence("update "+entity, err)
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fees.Persistence("update "+entity, err)
	}
	if exists == 0 {
		return &fees.NotFoundError{Entity: entity, ID: id}
	}
	return &fees.ConcurrencyConflictError{Entity: entity, ID: id}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (r *repo) InsertPayment(ctx context.Context, p fees.Payment) error {
	var generated sql.NullString
	if p.GeneratedExcessFeeID != nil {
		generated = sql.NullString{String: string(*p.GeneratedExcessFeeID), Valid: true}
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, batch_id, obligation_status_id, student_id, definition_id, academic_year_id, term_id,
		 amount, credit_amount, payment_type, reference, performed_by, paid_at,
		 has_excess_fee, excess_amount, generated_excess_fee_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.BatchID, p.ObligationStatusID, p.StudentID, p.DefinitionID, p.AcademicYearID, p.TermID,
		p.Amount.String(), p.CreditAmount.String(), p.PaymentType, p.Reference, p.PerformedBy, formatTime(p.PaidAt),
		p.HasExcessFee, p.ExcessAmount.String(), generated,
	)
	return fees.Persistence("insert payment", err)
}

func (r *repo) ListPayments(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.Payment, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, batch_id, obligation_status_id, student_id, definition_id, academic_year_id, term_id,
		       amount, credit_amount, payment_type, reference, performed_by, paid_at,
		       has_excess_fee, excess_amount, generated_excess_fee_id
		FROM payments
		WHERE student_id = ? AND academic_year_id = ? AND term_id = ?
		ORDER BY paid_at, rowid
	`, studentID, year, term)
	if err != nil {
		return nil, fees.Persistence("list payments", err)
	}
	defer rows.Close()

	var out []fees.Payment
	for rows.Next() {
		var (
			p                              fees.Payment
			amount, credit, excess, paidAt string
			generated                      sql.NullString
		)
		err := rows.Scan(&p.ID, &p.BatchID, &p.ObligationStatusID, &p.StudentID, &p.DefinitionID, &p.AcademicYearID, &p.TermID,
			&amount, &credit, &p.PaymentType, &p.Reference, &p.PerformedBy, &paidAt,
			&p.HasExcessFee, &excess, &generated)
		if err != nil {
			return nil, fees.Persistence("scan payment", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fees.Persistence("scan payment", err)
		}
		if p.CreditAmount, err = decimal.NewFromString(credit); err != nil {
			return nil, fees.Persistence("scan payment", err)
		}
		if p.ExcessAmount, err = decimal.NewFromString(excess); err != nil {
			return nil, fees.Persistence("scan payment", err)
		}
		p.PaidAt = parseTime(paidAt)
		if generated.Valid {
			id := fees.ExcessFeeID(generated.String)
			p.GeneratedExcessFeeID = &id
		}
		out = append(out, p)
	}
	return out, fees.Persistence("list payments", rows.Err())
}

// =============================================================================
// CREDIT
// =============================================================================

const excessColumns = `id, student_id, academic_year_id, term_id, original_amount, amount,
	is_used, description, source_batch_id, version, created_at, updated_at`

func (r *repo) ListUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	return r.queryExcess(ctx, `
		SELECT `+excessColumns+` FROM excess_fees
		WHERE student_id = ? AND academic_year_id = ? AND term_id = ? AND is_used = 0
		ORDER BY created_at ASC, rowid ASC
	`, studentID, year, term)
}

// LockUnusedExcessFees is a plain read: SQLite takes the database write
// lock for the whole transaction, which WithTx already serialises.
func (r *repo) LockUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	return r.ListUnusedExcessFees(ctx, studentID, year, term)
}

func (r *repo) ListExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	return r.queryExcess(ctx, `
		SELECT `+excessColumns+` FROM excess_fees
		WHERE student_id = ? AND academic_year_id = ? AND term_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, studentID, year, term)
}

func (r *repo) queryExcess(ctx context.Context, query string, args ...any) ([]fees.ExcessFee, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fees.Persistence("list excess fees", err)
	}
	defer rows.Close()

	var out []fees.ExcessFee
	for rows.Next() {
		var (
			e                    fees.ExcessFee
			original, amount     string
			createdAt, updatedAt string
		)
		err := rows.Scan(&e.ID, &e.StudentID, &e.AcademicYearID, &e.TermID, &original, &amount,
			&e.IsUsed, &e.Description, &e.SourceBatchID, &e.Version, &createdAt, &updatedAt)
		if err != nil {
			return nil, fees.Persistence("scan excess fee", err)
		}
		if e.OriginalAmount, err = decimal.NewFromString(original); err != nil {
			return nil, fees.Persistence("scan excess fee", err)
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fees.Persistence("scan excess fee", err)
		}
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		out = append(out, e)
	}
	return out, fees.Persistence("list excess fees", rows.Err())
}

func (r *repo) InsertExcessFee(ctx context.Context, e fees.ExcessFee) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO excess_fees (`+excessColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.StudentID, e.AcademicYearID, e.TermID, e.OriginalAmount.String(), e.Amount.String(),
		e.IsUsed, e.Description, e.SourceBatchID, e.Version, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	return fees.Persistence("insert excess fee", err)
}

func (r *repo) UpdateExcessFee(ctx context.Context, e fees.ExcessFee, expectedVersion int64) error {
	if e.Amount.IsNegative() {
		return &fees.ValidationError{Field: "amount", Message: "excess fee amount must not be negative"}
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE excess_fees
		SET amount = ?, is_used = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		e.Amount.String(), e.IsUsed, expectedVersion+1, formatTime(e.UpdatedAt),
		e.ID, expectedVersion,
	)
	if err != nil {
		return fees.Persistence("update excess fee", err)
	}
	return r.checkVersioned(ctx, res, "excess_fees", "excess fee", string(e.ID))
}

func (r *repo) InsertCreditUsage(ctx context.Context, u fees.CreditUsage) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO credit_usages (id, excess_fee_id, student_id, batch_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.ExcessFeeID, u.StudentID, u.BatchID, u.Amount.String(), formatTime(u.CreatedAt))
	return fees.Persistence("insert credit usage", err)
}

func (r *repo) ListCreditUsages(ctx context.Context, studentID fees.StudentID) ([]fees.CreditUsage, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, excess_fee_id, student_id, batch_id, amount, created_at
		FROM credit_usages WHERE student_id = ?
		ORDER BY created_at, rowid
	`, studentID)
	if err != nil {
		return nil, fees.Persistence("list credit usages", err)
	}
	defer rows.Close()

	var out []fees.CreditUsage
	for rows.Next() {
		var (
			u                 fees.CreditUsage
			amount, createdAt string
		)
		if err := rows.Scan(&u.ID, &u.ExcessFeeID, &u.StudentID, &u.BatchID, &amount, &createdAt); err != nil {
			return nil, fees.Persistence("scan credit usage", err)
		}
		if u.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fees.Persistence("scan credit usage", err)
		}
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	return out, fees.Persistence("list credit usages", rows.Err())
}

// =============================================================================
// AUDIT
// =============================================================================

func (r *repo) AppendAudit(ctx context.Context, e fees.AuditLogEntry) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_logs
		(id, entity_type, entity_id, action, changes_json, old_values_json, new_values_json, performed_by, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.EntityType, e.EntityID, e.Action,
		mapJSON(e.Changes), mapJSON(e.OldValues), mapJSON(e.NewValues),
		e.PerformedBy, formatTime(e.Timestamp),
	)
	return fees.Persistence("append audit", err)
}

func (r *repo) QueryAudit(ctx context.Context, filter fees.AuditFilter) ([]fees.AuditLogEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, action, changes_json, old_values_json, new_values_json, performed_by, timestamp
		FROM audit_logs WHERE 1=1`
	var args []any
	if filter.EntityType != nil {
		query += ` AND entity_type = ?`
		args = append(args, *filter.EntityType)
	}
	if filter.EntityID != nil {
		query += ` AND entity_id = ?`
		args = append(args, *filter.EntityID)
	}
	if len(filter.Actions) > 0 {
		query += ` AND action IN (` + placeholders(len(filter.Actions)) + `)`
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fees.Persistence("query audit", err)
	}
	defer rows.Close()

	var out []fees.AuditLogEntry
	for rows.Next() {
		var (
			e                             fees.AuditLogEntry
			changes, oldValues, newValues sql.NullString
			ts                            string
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &changes, &oldValues, &newValues, &e.PerformedBy, &ts); err != nil {
			return nil, fees.Persistence("scan audit", err)
		}
		for _, f := range []struct {
			raw  sql.NullString
			dest *map[string]any
		}{
			{changes, &e.Changes},
			{oldValues, &e.OldValues},
			{newValues, &e.NewValues},
		} {
			if f.raw.Valid && f.raw.String != "" {
				if err := json.Unmarshal([]byte(f.raw.String), f.dest); err != nil {
					return nil, fees.Persistence("scan audit", err)
				}
			}
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, fees.Persistence("query audit", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func toJSON(v []string) string {
	if v == nil {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSON(raw string, dest *[]string) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return err
	}
	if len(*dest) == 0 {
		*dest = nil
	}
	return nil
}

func mapJSON(m map[string]any) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
