package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance records. Insert must refuse a second
// record with the same Key by returning ErrAlreadyMarked.
type Repository interface {
	Exists(ctx context.Context, studentID, courseCode string, date Date) (bool, error)
	Insert(ctx context.Context, rec Record) (CommitID, error)
	ListByStudent(ctx context.Context, studentID, courseCode string, limit int) ([]Record, error)
	ListByCourse(ctx context.Context, courseCode string, date Date) ([]Record, error)
}

// PostgresRepository stores records in Postgres. The unique index on
// (student_id, course_code, session_date) makes Insert a conditional write.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Exists checks for a record on the given day.
func (r *PostgresRepository) Exists(ctx context.Context, studentID, courseCode string, date Date) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records
			WHERE student_id = $1 AND course_code = $2 AND session_date = $3
		)
	`, studentID, courseCode, date.String()).Scan(&exists)
	return exists, err
}

// Insert writes rec unless the key is taken.
func (r *PostgresRepository) Insert(ctx context.Context, rec Record) (CommitID, error) {
	if rec.ID == "" {
		rec.ID = CommitID(uuid.NewString())
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, student_name, student_email, course_code, session_date, marked_at, is_present)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (student_id, course_code, session_date) DO NOTHING
		RETURNING id
	`, string(rec.ID), rec.StudentID, rec.StudentName, rec.StudentEmail, rec.CourseCode, rec.Date.String(), rec.Timestamp, true).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAlreadyMarked
	}
	if err != nil {
		return "", fmt.Errorf("insert attendance: %w", err)
	}
	return CommitID(id), nil
}

const selectRecord = `SELECT id, student_id, student_name, student_email, course_code, session_date, marked_at, is_present FROM attendance_records`

// ListByStudent returns a student's records, newest first, optionally
// filtered by course.
func (r *PostgresRepository) ListByStudent(ctx context.Context, studentID, courseCode string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectRecord + ` WHERE student_id = $1`
	args := []any{studentID}
	if courseCode != "" {
		query += ` AND course_code = $2`
		args = append(args, courseCode)
	}
	query += fmt.Sprintf(` ORDER BY marked_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)
	return r.query(ctx, query, args...)
}

// ListByCourse returns all records for a course on one day.
func (r *PostgresRepository) ListByCourse(ctx context.Context, courseCode string, date Date) ([]Record, error) {
	return r.query(ctx, selectRecord+` WHERE course_code = $1 AND session_date = $2 ORDER BY marked_at`, courseCode, date.String())
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var (
			rec Record
			id  string
			day time.Time
		)
		if err := rows.Scan(&id, &rec.StudentID, &rec.StudentName, &rec.StudentEmail, &rec.CourseCode, &day, &rec.Timestamp, &rec.IsPresent); err != nil {
			return nil, err
		}
		rec.ID = CommitID(id)
		rec.Date = DateOf(day, time.UTC)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// MemoryRepository keeps records in process. Used by tests and the
// STORE_BACKEND=memory dev mode.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[Key]Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[Key]Record)}
}

func (m *MemoryRepository) Exists(_ context.Context, studentID, courseCode string, date Date) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[Key{StudentID: studentID, CourseCode: courseCode, Date: date}]
	return ok, nil
}

func (m *MemoryRepository) Insert(_ context.Context, rec Record) (CommitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Key()]; ok {
		return "", ErrAlreadyMarked
	}
	if rec.ID == "" {
		rec.ID = CommitID(uuid.NewString())
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.IsPresent = true
	m.records[rec.Key()] = rec
	return rec.ID, nil
}

func (m *MemoryRepository) ListByStudent(_ context.Context, studentID, courseCode string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	res := m.filter(func(r Record) bool {
		return r.StudentID == studentID && (courseCode == "" || r.CourseCode == courseCode)
	})
	sort.Slice(res, func(i, j int) bool { return res[i].Timestamp.After(res[j].Timestamp) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryRepository) ListByCourse(_ context.Context, courseCode string, date Date) ([]Record, error) {
	res := m.filter(func(r Record) bool { return r.CourseCode == courseCode && r.Date == date })
	sort.Slice(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

func (m *MemoryRepository) filter(keep func(Record) bool) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Record
	for _, r := range m.records {
		if keep(r) {
			res = append(res, r)
		}
	}
	return res
}
