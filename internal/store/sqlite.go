package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patients (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	dob       TEXT NOT NULL DEFAULT '',
	address   TEXT NOT NULL DEFAULT '',
	diagnosis TEXT NOT NULL DEFAULT '',
	createdAt TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	patientId       TEXT NOT NULL,
	status          TEXT NOT NULL,
	startedAt       TEXT NOT NULL,
	stoppedAt       TEXT,
	finalTranscript TEXT,
	audioEvents     TEXT NOT NULL DEFAULT '[]',
	videoEvents     TEXT NOT NULL DEFAULT '[]',
	insightReport   TEXT
);
`

// SQLiteStore implements SessionStore on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ SessionStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func (s *SQLiteStore) PutPatient(ctx context.Context, patient *Patient) error {
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, dob, address, diagnosis, createdAt)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, dob = excluded.dob,
			address = excluded.address, diagnosis = excluded.diagnosis
	`, patient.ID, patient.Name, patient.DOB, patient.Address, patient.Diagnosis, formatTime(patient.CreatedAt))
	if err != nil {
		return fmt.Errorf("put patient %s: %w", patient.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, dob, address, diagnosis, createdAt
		FROM patients WHERE id = ?
	`, patientID)

	var p Patient
	var createdAt string
	if err := row.Scan(&p.ID, &p.Name, &p.DOB, &p.Address, &p.Diagnosis, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get patient %s: %w", patientID, err)
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse patient createdAt: %w", err)
	}
	p.CreatedAt = t
	return &p, nil
}

func (s *SQLiteStore) PutSession(ctx context.Context, session *Session) error {
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	audio, err := marshalEvents(session.AudioEvents)
	if err != nil {
		return err
	}
	video, err := marshalEvents(session.VideoEvents)
	if err != nil {
		return err
	}
	var stoppedAt, transcript, report sql.NullString
	if session.StoppedAt != nil {
		stoppedAt = sql.NullString{String: formatTime(*session.StoppedAt), Valid: true}
	}
	if session.FinalTranscript != "" {
		transcript = sql.NullString{String: session.FinalTranscript, Valid: true}
	}
	if session.InsightReport != nil {
		data, err := json.Marshal(session.InsightReport)
		if err != nil {
			return fmt.Errorf("marshal insight report: %w", err)
		}
		report = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(id, patientId, status, startedAt, stoppedAt, finalTranscript, audioEvents, videoEvents, insightReport)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.PatientID, session.Status, formatTime(session.StartedAt),
		stoppedAt, transcript, audio, video, report)
	if err != nil {
		return fmt.Errorf("put session %s: %w", session.ID, err)
	}
	log.Debug().Str("sessionId", session.ID).Str("status", session.Status).Msg("Session persisted to SQLite")
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, patientId, status, startedAt, stoppedAt, finalTranscript, audioEvents, videoEvents, insightReport
		FROM sessions WHERE id = ?
	`, sessionID)

	var sess Session
	var startedAt, audio, video string
	var stoppedAt, transcript, report sql.NullString
	if err := row.Scan(&sess.ID, &sess.PatientID, &sess.Status, &startedAt,
		&stoppedAt, &transcript, &audio, &video, &report); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse startedAt: %w", err)
	}
	sess.StartedAt = t
	if stoppedAt.Valid {
		st, err := parseTime(stoppedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse stoppedAt: %w", err)
		}
		sess.StoppedAt = &st
	}
	sess.FinalTranscript = transcript.String
	if err := json.Unmarshal([]byte(audio), &sess.AudioEvents); err != nil {
		return nil, fmt.Errorf("decode audio events: %w", err)
	}
	if err := json.Unmarshal([]byte(video), &sess.VideoEvents); err != nil {
		return nil, fmt.Errorf("decode video events: %w", err)
	}
	if report.Valid {
		var r InsightReport
		if err := json.Unmarshal([]byte(report.String), &r); err != nil {
			return nil, fmt.Errorf("decode insight report: %w", err)
		}
		sess.InsightReport = &r
	}
	return &sess, nil
}

// execSession runs a single-row UPDATE and maps zero affected rows to
// ErrSessionNotFound.
func (s *SQLiteStore) execSession(ctx context.Context, sessionID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	if err := s.execSession(ctx, sessionID, `UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID); err != nil {
		return fmt.Errorf("update session status %s -> %s: %w", sessionID, status, err)
	}
	log.Debug().Str("sessionId", sessionID).Str("status", status).Msg("Session status updated")
	return nil
}

func (s *SQLiteStore) StopSession(ctx context.Context, sessionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, stoppedAt = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusStopped, formatTime(at), sessionID, StatusStarted, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) PutTranscript(ctx context.Context, sessionID, transcript string) error {
	if err := s.execSession(ctx, sessionID, `UPDATE sessions SET finalTranscript = ? WHERE id = ?`, transcript, sessionID); err != nil {
		return fmt.Errorf("put transcript %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) PutInsightReport(ctx context.Context, sessionID string, report *InsightReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal insight report: %w", err)
	}
	if err := s.execSession(ctx, sessionID, `UPDATE sessions SET insightReport = ? WHERE id = ?`, string(data), sessionID); err != nil {
		return fmt.Errorf("put insight report %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, sessionID, channel string, event Event) error {
	col, err := eventAttribute(channel)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// col comes from a fixed set, never from input.
	query := fmt.Sprintf(`UPDATE sessions SET %[1]s = json_insert(%[1]s, '$[#]', json(?)) WHERE id = ?`, col)
	if err := s.execSession(ctx, sessionID, query, string(data), sessionID); err != nil {
		return fmt.Errorf("append %s event %s: %w", channel, sessionID, err)
	}
	return nil
}

func marshalEvents(events []Event) (string, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal events: %w", err)
	}
	return string(data), nil
}
