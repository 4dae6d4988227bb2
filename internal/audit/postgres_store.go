package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nexshop/riskgate/internal/idgen"
	"github.com/nexshop/riskgate/internal/pagination"
)

// PostgresStore persists security events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security_events table if needed.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			user_id TEXT,
			session_id TEXT,
			ip_address TEXT NOT NULL,
			user_agent TEXT,
			correlation_id TEXT,
			risk_level TEXT NOT NULL,
			confidence_score INTEGER,
			action_taken TEXT NOT NULL,
			success BOOLEAN NOT NULL DEFAULT FALSE,
			event_data JSONB,
			error_message TEXT,
			error_code TEXT,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_security_events_correlation ON security_events(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_security_events_user ON security_events(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events(created_at DESC, id DESC);
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	id := e.ID
	if id == "" {
		id = idgen.WithPrefix("evt_")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var dataJSON []byte
	if e.EventData != nil {
		var err error
		dataJSON, err = json.Marshal(e.EventData)
		if err != nil {
			return err
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO security_events (
			id, event_type, user_id, session_id, ip_address, user_agent,
			correlation_id, risk_level, confidence_score, action_taken,
			success, event_data, error_message, error_code,
			processing_time_ms, created_at
		) VALUES (
			$1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''),
			NULLIF($7, ''), $8, $9, $10,
			$11, $12, NULLIF($13, ''), NULLIF($14, ''),
			$15, $16
		)`,
		id, string(e.EventType), e.UserID, e.SessionID, e.IPAddress, e.UserAgent,
		e.CorrelationID, e.RiskLevel, e.ConfidenceScore, string(e.ActionTaken),
		e.Success, dataJSON, e.ErrorMessage, e.ErrorCode,
		e.ProcessingTime.Milliseconds(), ts,
	)
	if err != nil {
		return err
	}
	e.ID = id
	e.Timestamp = ts
	return nil
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*Event, string, error) {
	limit := clampLimit(f.Limit)
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, "", err
	}

	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = "+arg(f.CorrelationID))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if f.RiskLevel != "" {
		conds = append(conds, "risk_level = "+arg(f.RiskLevel))
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = "+arg(string(f.EventType)))
	}
	if f.ActionTaken != "" {
		conds = append(conds, "action_taken = "+arg(string(f.ActionTaken)))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= "+arg(f.To))
	}
	if cursor != nil {
		conds = append(conds, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(cursor.CreatedAt), arg(cursor.ID)))
	}

	query := `
		SELECT id, event_type, COALESCE(user_id, ''), COALESCE(session_id, ''),
		       ip_address, COALESCE(user_agent, ''), COALESCE(correlation_id, ''),
		       risk_level, confidence_score, action_taken, success,
		       COALESCE(event_data::TEXT, ''), COALESCE(error_message, ''),
		       COALESCE(error_code, ''), processing_time_ms, created_at
		FROM security_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	// Fetch one extra row to detect another page.
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(events, limit, func(e *Event) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	return page, next, nil
}

func (p *PostgresStore) Summary(ctx context.Context, from, to time.Time) (*SummaryReport, error) {
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}

	report := &SummaryReport{
		ByRiskLevel:   make(map[string]int64),
		ByActionTaken: make(map[string]int64),
		ByEventType:   make(map[string]int64),
		From:          from,
		To:            to,
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT risk_level, action_taken, event_type, COUNT(*)
		FROM security_events
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY risk_level, action_taken, event_type
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var level, action, eventType string
		var count int64
		if err := rows.Scan(&level, &action, &eventType, &count); err != nil {
			return nil, err
		}
		report.Total += count
		report.ByRiskLevel[level] += count
		report.ByActionTaken[action] += count
		report.ByEventType[eventType] += count
	}
	return report, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var eventType, actionTaken, dataJSON string
		var processingMs int64
		if err := rows.Scan(&e.ID, &eventType, &e.UserID, &e.SessionID,
			&e.IPAddress, &e.UserAgent, &e.CorrelationID,
			&e.RiskLevel, &e.ConfidenceScore, &actionTaken, &e.Success,
			&dataJSON, &e.ErrorMessage, &e.ErrorCode, &processingMs, &e.Timestamp); err != nil {
			return nil, err
		}
		e.EventType = EventType(eventType)
		e.ActionTaken = ActionTaken(actionTaken)
		e.ProcessingTime = time.Duration(processingMs) * time.Millisecond
		if dataJSON != "" {
			if err := json.Unmarshal([]byte(dataJSON), &e.EventData); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
