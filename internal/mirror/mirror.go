// Package mirror keeps an optional relational copy of accepted attendance
// records in a local SQLite database. Writes are queued off the pipeline's
// hot path and applied best-effort; the mirror is for local inspection and
// is never read back into the sync path.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

const queueCapacity = 512

const schema = `
CREATE TABLE IF NOT EXISTS attendance (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	biometric_id TEXT NOT NULL,
	check_in_time DATETIME NOT NULL,
	date TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL,
	membership_status TEXT NOT NULL,
	remarks TEXT,
	created_at DATETIME NOT NULL,
	UNIQUE(user_id, date)
);
CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date);
CREATE INDEX IF NOT EXISTS idx_attendance_biometric ON attendance(biometric_id);
`

// Mirror is the local attendance mirror.
type Mirror struct {
	conn   *sql.DB
	logger *logrus.Entry

	queue chan types.AttendanceRecord

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Open opens (and migrates) the mirror database and starts the write worker.
func Open(path string, logger *logrus.Logger) (*Mirror, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}
	// Single writer; keep the pool at one connection to avoid SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set pragma: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate mirror schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		conn:   conn,
		logger: logging.NewServiceLogger(logger, "mirror"),
		queue:  make(chan types.AttendanceRecord, queueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
	m.wg.Add(1)
	go m.work()
	return m, nil
}

// Record enqueues one accepted record. Non-blocking; drops when the queue is
// full.
func (m *Mirror) Record(record types.AttendanceRecord) {
	select {
	case m.queue <- record:
	default:
		m.logger.WithField("userId", record.UserID).Warn("Mirror queue full, record dropped")
	}
}

func (m *Mirror) work() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			// Flush what is already queued before exiting.
			for {
				select {
				case record := <-m.queue:
					m.insert(record)
				default:
					return
				}
			}
		case record := <-m.queue:
			m.insert(record)
		}
	}
}

func (m *Mirror) insert(record types.AttendanceRecord) {
	_, err := m.conn.Exec(`
		INSERT OR IGNORE INTO attendance
		(user_id, name, biometric_id, check_in_time, date, status, source, membership_status, remarks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.UserID, record.Name, record.BiometricID, record.CheckInTime.UTC(),
		record.Date, record.Status, record.Source, record.MembershipStatus,
		record.Remarks, record.CreatedAt.UTC(),
	)
	if err != nil {
		m.logger.WithError(err).WithField("userId", record.UserID).Warn("Mirror write failed")
	}
}

// Recent returns the newest records, most recent check-in first.
func (m *Mirror) Recent(ctx context.Context, limit int) ([]types.AttendanceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.conn.QueryContext(ctx, `
		SELECT user_id, name, biometric_id, check_in_time, date, status, source, membership_status, remarks, created_at
		FROM attendance ORDER BY check_in_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByDate returns every record for one calendar date in check-in order.
func (m *Mirror) ByDate(ctx context.Context, date string) ([]types.AttendanceRecord, error) {
	rows, err := m.conn.QueryContext(ctx, `
		SELECT user_id, name, biometric_id, check_in_time, date, status, source, membership_status, remarks, created_at
		FROM attendance WHERE date = ? ORDER BY check_in_time`, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of mirrored records.
func (m *Mirror) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count mirror records: %w", err)
	}
	return n, nil
}

// Close drains the queue and closes the database.
func (m *Mirror) Close() error {
	var err error
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		err = m.conn.Close()
	})
	return err
}

func scanRecords(rows *sql.Rows) ([]types.AttendanceRecord, error) {
	var out []types.AttendanceRecord
	for rows.Next() {
		var r types.AttendanceRecord
		var checkIn, createdAt time.Time
		if err := rows.Scan(&r.UserID, &r.Name, &r.BiometricID, &checkIn, &r.Date,
			&r.Status, &r.Source, &r.MembershipStatus, &r.Remarks, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mirror row: %w", err)
		}
		r.CheckInTime = checkIn
		r.CreatedAt = createdAt
		out = append(out, r)
	}
	return out, rows.Err()
}
