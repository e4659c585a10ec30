package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WriteViolation inserts a violation. Writing the same id twice is a no-op.
func (s *Store) WriteViolation(ctx context.Context, rec ViolationRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("write violation: empty id")
	}
	payload, err := marshalObject(rec.Payload)
	if err != nil {
		return fmt.Errorf("write violation %s: %w", rec.ID, err)
	}
	var issueID sql.NullString
	if rec.IssueID != "" {
		issueID = sql.NullString{String: rec.IssueID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO violations (id, contract_id, severity, payload, ts, issue_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, rec.ContractID, rec.Severity, payload, toMillis(rec.Timestamp), issueID)
	if err != nil {
		return fmt.Errorf("write violation %s: %w", rec.ID, err)
	}
	return nil
}

// Violations lists violations, newest first. An empty contractID matches
// every contract; a zero since disables the time bound; limit <= 0 means
// unlimited.
func (s *Store) Violations(ctx context.Context, contractID string, since time.Time, limit int) ([]ViolationRecord, error) {
	query := `SELECT id, contract_id, severity, payload, ts, issue_id FROM violations WHERE 1 = 1`
	var params []any
	if contractID != "" {
		query += ` AND contract_id = ?`
		params = append(params, contractID)
	}
	if !since.IsZero() {
		query += ` AND ts >= ?`
		params = append(params, since.UnixMilli())
	}
	query += ` ORDER BY ts DESC, id ASC COLLATE BINARY`
	if limit > 0 {
		query += ` LIMIT ?`
		params = append(params, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []ViolationRecord
	for rows.Next() {
		var (
			rec     ViolationRecord
			payload string
			ts      int64
			issueID sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ContractID, &rec.Severity, &payload, &ts, &issueID); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		obj, err := unmarshalObject(payload)
		if err != nil {
			return nil, fmt.Errorf("scan violation %s: %w", rec.ID, err)
		}
		rec.Payload = obj
		rec.Timestamp = fromMillis(ts)
		rec.IssueID = issueID.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	return out, nil
}
