package store

import (
	"context"
	"fmt"
	"time"
)

// RecordFixOutcome counts one attempt of a fix against an issue type.
func (s *Store) RecordFixOutcome(ctx context.Context, issueType, fixID, description string, success bool, at time.Time) error {
	if issueType == "" || fixID == "" {
		return fmt.Errorf("record fix: issue type and fix id are required")
	}
	won := 0
	if success {
		won = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fixes (issue_type, fix_id, description, attempts, successes, last_attempt)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(issue_type, fix_id) DO UPDATE SET
			description  = CASE WHEN excluded.description = '' THEN fixes.description ELSE excluded.description END,
			attempts     = fixes.attempts + 1,
			successes    = fixes.successes + excluded.successes,
			last_attempt = MAX(fixes.last_attempt, excluded.last_attempt)
	`, issueType, fixID, description, won, toMillis(at))
	if err != nil {
		return fmt.Errorf("record fix %s/%s: %w", issueType, fixID, err)
	}
	return nil
}

// FixesFor returns the known fixes for an issue type, best success rate
// first, ties broken by fix id.
func (s *Store) FixesFor(ctx context.Context, issueType string) ([]FixRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_type, fix_id, description, attempts, successes, last_attempt
		FROM fixes
		WHERE issue_type = ?
		ORDER BY CAST(successes AS REAL) / MAX(attempts, 1) DESC, fix_id ASC COLLATE BINARY
	`, issueType)
	if err != nil {
		return nil, fmt.Errorf("query fixes %s: %w", issueType, err)
	}
	defer rows.Close()

	var out []FixRecord
	for rows.Next() {
		var (
			rec  FixRecord
			last int64
		)
		if err := rows.Scan(&rec.IssueType, &rec.FixID, &rec.Description, &rec.Attempts, &rec.Successes, &last); err != nil {
			return nil, fmt.Errorf("scan fix: %w", err)
		}
		rec.LastAttempt = fromMillis(last)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query fixes %s: %w", issueType, err)
	}
	return out, nil
}
