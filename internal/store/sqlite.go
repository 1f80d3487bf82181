package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/headline-goat/labgoat/internal/experiment"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func Open(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, e *experiment.Experiment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, status, page, element, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, string(e.Status), e.Targeting.Page, e.Targeting.Element, string(data),
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM experiments WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return decodeExperiment(data)
}

func (s *SQLiteStore) ListExperiments(ctx context.Context, filter ListFilter) ([]*experiment.Experiment, error) {
	query := `SELECT data FROM experiments`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		e, err := decodeExperiment(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateDraft(ctx context.Context, e *experiment.Experiment) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET name = ?, page = ?, element = ?, data = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		e.Name, e.Targeting.Page, e.Targeting.Element, string(data), e.UpdatedAt.UnixMilli(),
		e.ID, string(experiment.StatusDraft),
	)
	if err != nil {
		return fmt.Errorf("failed to update experiment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.missOrMismatch(ctx, e.ID)
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwapStatus(ctx context.Context, id string, from, to experiment.Status, apply func(*experiment.Experiment)) (*experiment.Experiment, error) {
	e, err := s.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != from {
		return nil, ErrStatusMismatch
	}

	if apply != nil {
		apply(e)
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal experiment: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, data = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), string(data), e.UpdatedAt.UnixMilli(), id, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, s.missOrMismatch(ctx, id)
	}
	return e, nil
}

func (s *SQLiteStore) AssignParticipant(ctx context.Context, p *experiment.Participant) (*experiment.Participant, bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO participants (experiment_id, participant_id, variant_id, device_type, assigned_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ExperimentID, p.ID, p.VariantID, p.DeviceType, p.AssignedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert participant: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 1 {
		stored := *p
		return &stored, true, nil
	}

	stored, err := s.GetParticipant(ctx, p.ExperimentID, p.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, experimentID, participantID string) (*experiment.Participant, error) {
	p := experiment.Participant{ExperimentID: experimentID, ID: participantID}
	var assignedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT variant_id, device_type, assigned_at FROM participants
		 WHERE experiment_id = ? AND participant_id = ?`,
		experimentID, participantID,
	).Scan(&p.VariantID, &p.DeviceType, &assignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	p.AssignedAt = time.UnixMilli(assignedAt).UTC()
	return &p, nil
}

func (s *SQLiteStore) AppendConversion(ctx context.Context, ev *experiment.ConversionEvent, binary bool) (bool, error) {
	key := dedupKey(ev, binary)
	ts := ev.Timestamp.UnixMilli()

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversions
		 (id, experiment_id, variant_id, participant_id, goal_id, value, dedup_key, created_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExperimentID, ev.VariantID, ev.ParticipantID, ev.GoalID, ev.Value, key, ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert conversion: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return true, nil
	}

	// Duplicate: only refresh the last-seen timestamp.
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversions SET last_seen_at = MAX(last_seen_at, ?) WHERE experiment_id = ? AND dedup_key = ?`,
		ts, ev.ExperimentID, key,
	)
	if err != nil {
		return false, fmt.Errorf("failed to touch conversion: %w", err)
	}
	return false, nil
}

func (s *SQLiteStore) ListConversions(ctx context.Context, experimentID string) ([]*experiment.ConversionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, variant_id, participant_id, goal_id, value, created_at, last_seen_at
		 FROM conversions WHERE experiment_id = ? ORDER BY created_at, id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversions: %w", err)
	}
	defer rows.Close()

	var out []*experiment.ConversionEvent
	for rows.Next() {
		ev := &experiment.ConversionEvent{ExperimentID: experimentID}
		var value sql.NullFloat64
		var createdAt, lastSeen int64
		if err := rows.Scan(&ev.ID, &ev.VariantID, &ev.ParticipantID, &ev.GoalID, &value, &createdAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan conversion: %w", err)
		}
		if value.Valid {
			v := value.Float64
			ev.Value = &v
		}
		ev.Timestamp = time.UnixMilli(createdAt).UTC()
		ev.LastSeenAt = time.UnixMilli(lastSeen).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) VariantMetrics(ctx context.Context, experimentID string) (map[string]experiment.PerformanceMetrics, error) {
	out := make(map[string]experiment.PerformanceMetrics)

	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, COUNT(*) FROM participants WHERE experiment_id = ? GROUP BY variant_id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count participants: %w", err)
	}
	for rows.Next() {
		var variantID string
		var visitors int64
		if err := rows.Scan(&variantID, &visitors); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan participant count: %w", err)
		}
		pm := out[variantID]
		pm.Visitors = visitors
		out[variantID] = pm
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT variant_id, goal_id, COUNT(*), COALESCE(SUM(value), 0)
		 FROM conversions WHERE experiment_id = ? GROUP BY variant_id, goal_id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate conversions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var variantID, goalID string
		var count int64
		var revenue float64
		if err := rows.Scan(&variantID, &goalID, &count, &revenue); err != nil {
			return nil, fmt.Errorf("failed to scan conversion aggregate: %w", err)
		}
		addConversion(out, variantID, goalID, count, revenue)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE leases.holder = excluded.holder OR leases.expires_at <= ?`,
		name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) missOrMismatch(ctx context.Context, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM experiments WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check experiment: %w", err)
	}
	return ErrStatusMismatch
}

func decodeExperiment(data string) (*experiment.Experiment, error) {
	var e experiment.Experiment
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
