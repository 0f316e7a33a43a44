/*
Package postgres provides a PostgreSQL-backed fees.TxStore using pgx.

PURPOSE:
  Multi-node deployments. Same tables and semantics as store/sqlite, with
  native types: NUMERIC for money, TIMESTAMPTZ, TEXT[] for eligibility
  lists and JSONB for audit values.

TRANSACTIONS:
  WithTx runs at REPEATABLE READ. LockUnusedExcessFees uses
  SELECT ... FOR UPDATE so two payments for the same student serialise on
  the credit rows. A serialization failure (40001) surfaces as
  ConcurrencyConflictError and the engine retries with a fresh transaction.

AUDIT:
  Each audit insert runs inside a savepoint. A failed insert rolls back to
  the savepoint and the surrounding transaction stays usable, which keeps
  audit writes best-effort.

SEE ALSO:
  - fees/store.go: interface definitions
  - store/sqlite: single-file implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/fee-engine/fees"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store implements fees.TxStore using a pgx connection pool.
type Store struct {
	*repo
	pool *pgxpool.Pool
}

var _ fees.TxStore = (*Store)(nil)

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	store := NewFromPool(pool)
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return store, nil
}

// NewFromPool wraps an existing pool. The schema must already exist.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{repo: &repo{q: pool}, pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		grade_id TEXT NOT NULL,
		class_id TEXT NOT NULL DEFAULT '',
		categories TEXT[],
		programmes TEXT[],
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fee_definitions (
		id TEXT PRIMARY KEY,
		fee_type TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
		due_date TIMESTAMPTZ,
		categories TEXT[],
		programmes TEXT[],
		grades TEXT[],
		classes TEXT[],
		version INTEGER NOT NULL DEFAULT 1,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_definitions_term ON fee_definitions(academic_year_id, term_id);

	CREATE TABLE IF NOT EXISTS fee_exceptions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		type TEXT NOT NULL,
		value NUMERIC(14,4) NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_student ON fee_exceptions(student_id, start_date);

	CREATE TABLE IF NOT EXISTS obligation_statuses (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		due_amount NUMERIC(14,2) NOT NULL,
		paid_amount NUMERIC(14,2) NOT NULL CHECK (paid_amount >= 0),
		status TEXT NOT NULL,
		last_payment_at TIMESTAMPTZ,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (student_id, definition_id, academic_year_id, term_id)
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		batch_id TEXT NOT NULL,
		obligation_status_id TEXT NOT NULL REFERENCES obligation_statuses(id),
		student_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		credit_amount NUMERIC(14,2) NOT NULL,
		payment_type TEXT NOT NULL,
		reference TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL DEFAULT '',
		paid_at TIMESTAMPTZ NOT NULL,
		has_excess_fee BOOLEAN NOT NULL DEFAULT FALSE,
		excess_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		generated_excess_fee_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_student_term ON payments(student_id, academic_year_id, term_id);

	CREATE TABLE IF NOT EXISTS excess_fees (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		student_id TEXT NOT NULL,
		academic_year_id TEXT NOT NULL,
		term_id TEXT NOT NULL,
		original_amount NUMERIC(14,2) NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT NOT NULL DEFAULT '',
		source_batch_id TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	ALTER TABLE excess_fees ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
	CREATE INDEX IF NOT EXISTS idx_excess_fifo ON excess_fees(student_id, academic_year_id, term_id, created_at);

	CREATE TABLE IF NOT EXISTS credit_usages (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		excess_fee_id TEXT NOT NULL REFERENCES excess_fees(id),
		student_id TEXT NOT NULL,
		batch_id TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		changes JSONB,
		old_values JSONB,
		new_values JSONB,
		performed_by TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_logs(entity_type, entity_id);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// WithTx runs fn in a repeatable-read transaction.
func (s *Store) WithTx(ctx context.Context, fn func(fees.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fees.Persistence("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&repo{q: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate("commit", err)
	}
	return nil
}

// Reset truncates every table (demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE audit_logs, credit_usages, payments, excess_fees,
		obligation_statuses, fee_exceptions, fee_definitions, students`)
	return fees.Persistence("reset", err)
}

// =============================================================================
// REPO
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repo struct {
	q  querier
	tx pgx.Tx // nil outside WithTx
}

// translate maps driver errors onto the engine's error kinds.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return &fees.ConcurrencyConflictError{Entity: op, ID: pgErr.Code}
		}
	}
	return fees.Persistence(op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// =============================================================================
// STUDENTS
// =============================================================================

func (r *repo) SaveStudent(ctx context.Context, s fees.Student) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO students (id, name, grade_id, class_id, categories, programmes, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, grade_id = EXCLUDED.grade_id, class_id = EXCLUDED.class_id,
			categories = EXCLUDED.categories, programmes = EXCLUDED.programmes, active = EXCLUDED.active
	`, string(s.ID), s.Name, s.GradeID, s.ClassID, s.Categories, s.SpecialProgrammes, s.Active, s.CreatedAt)
	return translate("save student", err)
}

const studentSelect = `SELECT id, name, grade_id, class_id, categories, programmes, active, created_at FROM students`

func (r *repo) GetStudent(ctx context.Context, id fees.StudentID) (*fees.Student, error) {
	s, err := scanStudent(r.q.QueryRow(ctx, studentSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &fees.NotFoundError{Entity: "student", ID: string(id)}
	}
	if err != nil {
		return nil, translate("get student", err)
	}
	return &s, nil
}

func (r *repo) ListStudents(ctx context.Context, filter fees.StudentQuery) ([]fees.Student, error) {
	ids := make([]string, len(filter.IDs))
	for i, id := range filter.IDs {
		ids[i] = string(id)
	}
	rows, err := r.q.Query(ctx, studentSelect+`
		WHERE ($1 = '' OR class_id = $1)
		  AND ($2 = '' OR grade_id = $2)
		  AND (cardinality($3::text[]) = 0 OR id = ANY($3))
		ORDER BY id
	`, filter.ClassID, filter.GradeID, ids)
	if err != nil {
		return nil, translate("list students", err)
	}
	defer rows.Close()

	var out []fees.Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, translate("scan student", err)
		}
		out = append(out, s)
	}
	return out, translate("list students", rows.Err())
}

func scanStudent(row pgx.Row) (fees.Student, error) {
	var (
		s  fees.Student
		id string
	)
	err := row.Scan(&id, &s.Name, &s.GradeID, &s.ClassID, &s.Categories, &s.SpecialProgrammes, &s.Active, &s.CreatedAt)
	s.ID = fees.StudentID(id)
	return s, err
}

// =============================================================================
// DEFINITIONS & EXCEPTIONS
// =============================================================================

func (r *repo) SaveDefinition(ctx context.Context, def fees.FeeObligationDefinition) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO fee_definitions
			(id, fee_type, academic_year_id, term_id, amount, due_date,
			 categories, programmes, grades, classes, version, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			fee_type = EXCLUDED.fee_type, academic_year_id = EXCLUDED.academic_year_id,
			term_id = EXCLUDED.term_id, amount = EXCLUDED.amount, due_date = EXCLUDED.due_date,
			categories = EXCLUDED.categories, programmes = EXCLUDED.programmes,
			grades = EXCLUDED.grades, classes = EXCLUDED.classes,
			version = EXCLUDED.version, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`,
		string(def.ID), def.FeeType, string(def.AcademicYearID), string(def.TermID), def.Amount.String(), def.DueDate,
		def.Categories, def.SpecialProgrammes, def.Grades, def.Classes,
		def.Version, def.Active, def.CreatedAt, def.UpdatedAt,
	)
	return translate("save definition", err)
}

const definitionSelect = `
	SELECT id, fee_type, academic_year_id, term_id, amount::text, due_date,
	       categories, programmes, grades, classes, version, active, created_at, updated_at
	FROM fee_definitions`

func (r *repo) GetDefinition(ctx context.Context, id fees.DefinitionID) (*fees.FeeObligationDefinition, error) {
	def, err := scanDefinition(r.q.QueryRow(ctx, definitionSelect+` WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &fees.NotFoundError{Entity: "fee definition", ID: string(id)}
	}
	if err != nil {
		return nil, translate("get definition", err)
	}
	return &def, nil
}

func (r *repo) ListDefinitions(ctx context.Context, year fees.AcademicYearID, term fees.TermID) ([]fees.FeeObligationDefinition, error) {
	rows, err := r.q.Query(ctx, definitionSelect+`
		WHERE academic_year_id = $1 AND term_id = $2 AND active
		ORDER BY id
	`, string(year), string(term))
	if err != nil {
		return nil, translate("list definitions", err)
	}
	defer rows.Close()

	var out []fees.FeeObligationDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, translate("scan definition", err)
		}
		out = append(out, def)
	}
	return out, translate("list definitions", rows.Err())
}

func scanDefinition(row pgx.Row) (fees.FeeObligationDefinition, error) {
	var (
		def            fees.FeeObligationDefinition
		id, year, term string
		amount         string
	)
	err := row.Scan(&id, &def.FeeType, &year, &term, &amount, &def.DueDate,
		&def.Categories, &def.SpecialProgrammes, &def.Grades, &def.Classes,
		&def.Version, &def.Active, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return def, err
	}
	def.ID, def.AcademicYearID, def.TermID = fees.DefinitionID(id), fees.AcademicYearID(year), fees.TermID(term)
	def.Amount, err = parseDecimal(amount)
	return def, err
}

func (r *repo) SaveException(ctx context.Context, e fees.FeeException) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO fee_exceptions (id, student_id, definition_id, type, value, start_date, end_date, reason, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
	`, string(e.ID), string(e.StudentID), string(e.DefinitionID), string(e.Type), e.Value.String(),
		e.StartDate, e.EndDate, e.Reason, e.CreatedAt)
	return translate("save exception", err)
}

func (r *repo) ActiveExceptions(ctx context.Context, studentID fees.StudentID, at time.Time) ([]fees.FeeException, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, student_id, definition_id, type, value::text, start_date, end_date, reason, created_at
		FROM fee_exceptions
		WHERE student_id = $1 AND start_date <= $2 AND (end_date IS NULL OR end_date >= $2)
		ORDER BY created_at, id
	`, string(studentID), at)
	if err != nil {
		return nil, translate("active exceptions", err)
	}
	defer rows.Close()

	var out []fees.FeeException
	for rows.Next() {
		var (
			e                            fees.FeeException
			id, student, def, typ, value string
		)
		if err := rows.Scan(&id, &student, &def, &typ, &value, &e.StartDate, &e.EndDate, &e.Reason, &e.CreatedAt); err != nil {
			return nil, translate("scan exception", err)
		}
		e.ID, e.StudentID, e.DefinitionID, e.Type = fees.ExceptionID(id), fees.StudentID(student), fees.DefinitionID(def), fees.ExceptionType(typ)
		if e.Value, err = parseDecimal(value); err != nil {
			return nil, translate("scan exception", err)
		}
		out = append(out, e)
	}
	return out, translate("active exceptions", rows.Err())
}

// =============================================================================
// OBLIGATION STATUS
// =============================================================================

const statusSelect = `
	SELECT id, student_id, definition_id, academic_year_id, term_id,
	       due_amount::text, paid_amount::text, status, last_payment_at, version, created_at, updated_at
	FROM obligation_statuses`

func (r *repo) GetObligationStatus(ctx context.Context, studentID fees.StudentID, defID fees.DefinitionID, year fees.AcademicYearID, term fees.TermID) (*fees.ObligationStatus, error) {
	s, err := scanStatus(r.q.QueryRow(ctx, statusSelect+`
		WHERE student_id = $1 AND definition_id = $2 AND academic_year_id = $3 AND term_id = $4
	`, string(studentID), string(defID), string(year), string(term)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate("get obligation status", err)
	}
	return &s, nil
}

func (r *repo) ListObligationStatuses(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ObligationStatus, error) {
	return r.queryStatuses(ctx, statusSelect+`
		WHERE student_id = $1 AND academic_year_id = $2 AND term_id = $3
		ORDER BY created_at, id
	`, string(studentID), string(year), string(term))
}

func (r *repo) ListOpenObligationStatuses(ctx context.Context) ([]fees.ObligationStatus, error) {
	return r.queryStatuses(ctx, statusSelect+` WHERE status <> 'COMPLETED' ORDER BY created_at, id`)
}

func (r *repo) queryStatuses(ctx context.Context, sql string, args ...any) ([]fees.ObligationStatus, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("list obligation statuses", err)
	}
	defer rows.Close()

	var out []fees.ObligationStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, translate("scan obligation status", err)
		}
		out = append(out, s)
	}
	return out, translate("list obligation statuses", rows.Err())
}

func scanStatus(row pgx.Row) (fees.ObligationStatus, error) {
	var (
		s                            fees.ObligationStatus
		id, student, def, year, term string
		due, paid, status            string
	)
	err := row.Scan(&id, &student, &def, &year, &term, &due, &paid, &status,
		&s.LastPaymentAt, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.ID, s.StudentID, s.DefinitionID = fees.ObligationStatusID(id), fees.StudentID(student), fees.DefinitionID(def)
	s.AcademicYearID, s.TermID, s.Status = fees.AcademicYearID(year), fees.TermID(term), fees.ObligationState(status)
	if s.DueAmount, err = parseDecimal(due); err != nil {
		return s, err
	}
	s.PaidAmount, err = parseDecimal(paid)
	return s, err
}

func (r *repo) InsertObligationStatus(ctx context.Context, s fees.ObligationStatus) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO obligation_statuses
			(id, student_id, definition_id, academic_year_id, term_id, due_amount, paid_amount,
			 status, last_payment_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)
	`,
		string(s.ID), string(s.StudentID), string(s.DefinitionID), string(s.AcademicYearID), string(s.TermID),
		s.DueAmount.String(), s.PaidAmount.String(), string(s.Status), s.LastPaymentAt,
		s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &fees.ConcurrencyConflictError{Entity: "obligation status", ID: string(s.ID)}
	}
	return translate("insert obligation status", err)
}

func (r *repo) UpdateObligationStatus(ctx context.Context, s fees.ObligationStatus, expectedVersion int64) error {
	tag, err := r.q.Exec(ctx, `
		UPDATE obligation_statuses
		SET paid_amount = $1::numeric, status = $2, last_payment_at = $3, version = $4, updated_at = $5
		WHERE id = $6 AND version = $7
	`,
		s.PaidAmount.String(), string(s.Status), s.LastPaymentAt, expectedVersion+1, s.UpdatedAt,
		string(s.ID), expectedVersion,
	)
	if err != nil {
		return translate("update obligation status", err)
	}
	return r.checkVersioned(ctx, tag, "obligation_statuses", "obligation status", string(s.ID))
}

func (r *repo) checkVersioned(ctx context.Context, tag pgconn.CommandTag, table, entity, id string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return translate("update "+entity, err)
	}
	if !exists {
		return &fees.NotFoundError{Entity: entity, ID: id}
	}
	return &fees.ConcurrencyConflictError{Entity: entity, ID: id}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (r *repo) InsertPayment(ctx context.Context, p fees.Payment) error {
	var generated *string
	if p.GeneratedExcessFeeID != nil {
		id := string(*p.GeneratedExcessFeeID)
		generated = &id
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO payments
			(id, batch_id, obligation_status_id, student_id, definition_id, academic_year_id, term_id,
			 amount, credit_amount, payment_type, reference, performed_by, paid_at,
			 has_excess_fee, excess_amount, generated_excess_fee_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11, $12, $13, $14, $15::numeric, $16)
	`,
		string(p.ID), string(p.BatchID), string(p.ObligationStatusID), string(p.StudentID), string(p.DefinitionID),
		string(p.AcademicYearID), string(p.TermID),
		p.Amount.String(), p.CreditAmount.String(), string(p.PaymentType), p.Reference, p.PerformedBy, p.PaidAt,
		p.HasExcessFee, p.ExcessAmount.String(), generated,
	)
	return translate("insert payment", err)
}

func (r *repo) ListPayments(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.Payment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, batch_id, obligation_status_id, student_id, definition_id, academic_year_id, term_id,
		       amount::text, credit_amount::text, payment_type, reference, performed_by, paid_at,
		       has_excess_fee, excess_amount::text, generated_excess_fee_id
		FROM payments
		WHERE student_id = $1 AND academic_year_id = $2 AND term_id = $3
		ORDER BY paid_at, seq
	`, string(studentID), string(year), string(term))
	if err != nil {
		return nil, translate("list payments", err)
	}
	defer rows.Close()

	var out []fees.Payment
	for rows.Next() {
		var (
			p                                        fees.Payment
			id, batch, status, student, def, yr, trm string
			amount, credit, excess, typ              string
			generated                                *string
		)
		err := rows.Scan(&id, &batch, &status, &student, &def, &yr, &trm,
			&amount, &credit, &typ, &p.Reference, &p.PerformedBy, &p.PaidAt,
			&p.HasExcessFee, &excess, &generated)
		if err != nil {
			return nil, translate("scan payment", err)
		}
		p.ID, p.BatchID, p.ObligationStatusID = fees.PaymentID(id), fees.BatchID(batch), fees.ObligationStatusID(status)
		p.StudentID, p.DefinitionID = fees.StudentID(student), fees.DefinitionID(def)
		p.AcademicYearID, p.TermID, p.PaymentType = fees.AcademicYearID(yr), fees.TermID(trm), fees.PaymentType(typ)
		if generated != nil {
			xs := fees.ExcessFeeID(*generated)
			p.GeneratedExcessFeeID = &xs
		}
		for _, f := range []struct {
			raw  string
			dest *decimal.Decimal
		}{{amount, &p.Amount}, {credit, &p.CreditAmount}, {excess, &p.ExcessAmount}} {
			if *f.dest, err = parseDecimal(f.raw); err != nil {
				return nil, translate("scan payment", err)
			}
		}
		out = append(out, p)
	}
	return out, translate("list payments", rows.Err())
}

// =============================================================================
// CREDIT
// =============================================================================

const excessSelect = `
	SELECT id, student_id, academic_year_id, term_id, original_amount::text, amount::text,
	       is_used, description, source_batch_id, version, created_at, updated_at
	FROM excess_fees`

func (r *repo) ListUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	return r.queryExcess(ctx, excessSelect+`
		WHERE student_id = $1 AND academic_year_id = $2 AND term_id = $3 AND NOT is_used
		ORDER BY created_at, seq
	`, string(studentID), string(year), string(term))
}

func (r *repo) LockUnusedExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	return r.queryExcess(ctx, excessSelect+`
		WHERE student_id = $1 AND academic_year_id = $2 AND term_id = $3 AND NOT is_used
		ORDER BY created_at, seq
		FOR UPDATE
	`, string(studentID), string(year), string(term))
}

func (r *repo) ListExcessFees(ctx context.Context, studentID fees.StudentID, year fees.AcademicYearID, term fees.TermID) ([]fees.ExcessFee, error) {
	return r.queryExcess(ctx, excessSelect+`
		WHERE student_id = $1 AND academic_year_id = $2 AND term_id = $3
		ORDER BY created_at, seq
	`, string(studentID), string(year), string(term))
}

func (r *repo) queryExcess(ctx context.Context, sql string, args ...any) ([]fees.ExcessFee, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate("list excess fees", err)
	}
	defer rows.Close()

	var out []fees.ExcessFee
	for rows.Next() {
		var (
			e                           fees.ExcessFee
			id, student, yr, trm, batch string
			original, amount            string
		)
		err := rows.Scan(&id, &student, &yr, &trm, &original, &amount,
			&e.IsUsed, &e.Description, &batch, &e.Version, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, translate("scan excess fee", err)
		}
		e.ID, e.StudentID, e.SourceBatchID = fees.ExcessFeeID(id), fees.StudentID(student), fees.BatchID(batch)
		e.AcademicYearID, e.TermID = fees.AcademicYearID(yr), fees.TermID(trm)
		if e.OriginalAmount, err = parseDecimal(original); err != nil {
			return nil, translate("scan excess fee", err)
		}
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, translate("scan excess fee", err)
		}
		out = append(out, e)
	}
	return out, translate("list excess fees", rows.Err())
}

func (r *repo) InsertExcessFee(ctx context.Context, e fees.ExcessFee) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO excess_fees
			(id, student_id, academic_year_id, term_id, original_amount, amount,
			 is_used, description, source_batch_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $11, $12)
	`,
		string(e.ID), string(e.StudentID), string(e.AcademicYearID), string(e.TermID),
		e.OriginalAmount.String(), e.Amount.String(),
		e.IsUsed, e.Description, string(e.SourceBatchID), e.Version, e.CreatedAt, e.UpdatedAt,
	)
	return translate("insert excess fee", err)
}

func (r *repo) UpdateExcessFee(ctx context.Context, e fees.ExcessFee, expectedVersion int64) error {
	if e.Amount.IsNegative() {
		return &fees.ValidationError{Field: "amount", Message: "excess fee amount must not be negative"}
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE excess_fees
		SET amount = $1::numeric, is_used = $2, version = $3, updated_at = $4
		WHERE id = $5 AND version = $6
	`, e.Amount.String(), e.IsUsed, expectedVersion+1, e.UpdatedAt, string(e.ID), expectedVersion)
	if err != nil {
		return translate("update excess fee", err)
	}
	return r.checkVersioned(ctx, tag, "excess_fees", "excess fee", string(e.ID))
}

func (r *repo) InsertCreditUsage(ctx context.Context, u fees.CreditUsage) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO credit_usages (id, excess_fee_id, student_id, batch_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
	`, u.ID, string(u.ExcessFeeID), string(u.StudentID), string(u.BatchID), u.Amount.String(), u.CreatedAt)
	return translate("insert credit usage", err)
}

func (r *repo) ListCreditUsages(ctx context.Context, studentID fees.StudentID) ([]fees.CreditUsage, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, excess_fee_id, student_id, batch_id, amount::text, created_at
		FROM credit_usages WHERE student_id = $1
		ORDER BY created_at, seq
	`, string(studentID))
	if err != nil {
		return nil, translate("list credit usages", err)
	}
	defer rows.Close()

	var out []fees.CreditUsage
	for rows.Next() {
		var (
			u                                fees.CreditUsage
			excessID, student, batch, amount string
		)
		if err := rows.Scan(&u.ID, &excessID, &student, &batch, &amount, &u.CreatedAt); err != nil {
			return nil, translate("scan credit usage", err)
		}
		u.ExcessFeeID, u.StudentID, u.BatchID = fees.ExcessFeeID(excessID), fees.StudentID(student), fees.BatchID(batch)
		if u.Amount, err = parseDecimal(amount); err != nil {
			return nil, translate("scan credit usage", err)
		}
		out = append(out, u)
	}
	return out, translate("list credit usages", rows.Err())
}

// =============================================================================
// AUDIT
// =============================================================================

func (r *repo) AppendAudit(ctx context.Context, e fees.AuditLogEntry) error {
	const insert = `
		INSERT INTO audit_logs (id, entity_type, entity_id, action, changes, old_values, new_values, performed_by, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	args := []any{e.ID, string(e.EntityType), e.EntityID, string(e.Action),
		e.Changes, e.OldValues, e.NewValues, e.PerformedBy, e.Timestamp}

	if r.tx == nil {
		_, err := r.q.Exec(ctx, insert, args...)
		return translate("append audit", err)
	}

	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return translate("append audit", err)
	}
	if _, err := sp.Exec(ctx, insert, args...); err != nil {
		_ = sp.Rollback(ctx)
		return translate("append audit", err)
	}
	return translate("append audit", sp.Commit(ctx))
}

func (r *repo) QueryAudit(ctx context.Context, filter fees.AuditFilter) ([]fees.AuditLogEntry, error) {
	var entityType, entityID string
	if filter.EntityType != nil {
		entityType = string(*filter.EntityType)
	}
	if filter.EntityID != nil {
		entityID = *filter.EntityID
	}
	actions := make([]string, len(filter.Actions))
	for i, a := range filter.Actions {
		actions[i] = string(a)
	}
	limit := any(nil)
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, entity_type, entity_id, action, changes, old_values, new_values, performed_by, timestamp
		FROM audit_logs
		WHERE ($1 = '' OR entity_type = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND (cardinality($3::text[]) = 0 OR action = ANY($3))
		ORDER BY seq DESC
		LIMIT $4
	`, entityType, entityID, actions, limit)
	if err != nil {
		return nil, translate("query audit", err)
	}
	defer rows.Close()

	var out []fees.AuditLogEntry
	for rows.Next() {
		var (
			e              fees.AuditLogEntry
			entity, action string
		)
		err := rows.Scan(&e.ID, &entity, &e.EntityID, &action, &e.Changes, &e.OldValues, &e.NewValues, &e.PerformedBy, &e.Timestamp)
		if err != nil {
			return nil, translate("scan audit", err)
		}
		e.EntityType, e.Action = fees.AuditEntityType(entity), fees.AuditAction(action)
		out = append(out, e)
	}
	return out, translate("query audit", rows.Err())
}
