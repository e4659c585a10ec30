package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/vigil/internal/queryir"
)

// ErrNotFound is returned when a ledger row does not exist.
var ErrNotFound = errors.New("not found")

// WriteIssue upserts an issue by fingerprint id.
//
// On conflict the row keeps its first_seen and any recorded root cause or
// outcome; count never goes backwards so replaying an older snapshot cannot
// undo later repeats.
func (s *Store) WriteIssue(ctx context.Context, rec IssueRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("write issue: empty id")
	}
	if rec.Count < 1 {
		rec.Count = 1
	}
	details, err := marshalObject(rec.Details)
	if err != nil {
		return fmt.Errorf("write issue %s: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (id, type, severity, method, category, details,
			first_seen, last_seen, count, confidence, priority, root_cause, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity   = excluded.severity,
			category   = excluded.category,
			details    = excluded.details,
			last_seen  = MAX(issues.last_seen, excluded.last_seen),
			count      = MAX(issues.count, excluded.count),
			confidence = excluded.confidence,
			priority   = excluded.priority,
			root_cause = CASE WHEN issues.root_cause = '' THEN excluded.root_cause ELSE issues.root_cause END,
			outcome    = CASE WHEN excluded.outcome = '' THEN issues.outcome ELSE excluded.outcome END
	`,
		rec.ID, rec.Type, rec.Severity, rec.Method, rec.Category, details,
		toMillis(rec.FirstSeen), toMillis(rec.LastSeen), rec.Count,
		rec.Confidence, rec.Priority, rec.RootCause, rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("write issue %s: %w", rec.ID, err)
	}
	return nil
}

// GetIssue reads one issue by id. Returns ErrNotFound if absent.
func (s *Store) GetIssue(ctx context.Context, id string) (IssueRecord, error) {
	sel := queryir.Select{
		From:   IssuesTable.Name,
		Filter: queryir.Equals{Field: "id", Value: id},
		Limit:  1,
	}
	recs, err := s.QueryIssues(ctx, sel)
	if err != nil {
		return IssueRecord{}, err
	}
	if len(recs) == 0 {
		return IssueRecord{}, fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return recs[0], nil
}

// QueryIssues runs a select over the issues table. sel.From may be left
// empty. Time fields (firstSeen, lastSeen) compare as Unix milliseconds.
func (s *Store) QueryIssues(ctx context.Context, sel queryir.Select) ([]IssueRecord, error) {
	if sel.From == "" {
		sel.From = IssuesTable.Name
	}
	query, params, err := s.compiler.Compile(sel)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}

	var out []IssueRecord
	for rows.Next() {
		rec, err := scanIssue(rows, cols)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	return out, nil
}

// scanIssue maps result columns (query field names) onto an IssueRecord.
func scanIssue(rows *sql.Rows, cols []string) (IssueRecord, error) {
	var (
		rec                 IssueRecord
		details             string
		firstSeen, lastSeen int64
	)
	dest := make([]any, len(cols))
	for i, col := range cols {
		switch col {
		case "id":
			dest[i] = &rec.ID
		case "type":
			dest[i] = &rec.Type
		case "severity":
			dest[i] = &rec.Severity
		case "method":
			dest[i] = &rec.Method
		case "category":
			dest[i] = &rec.Category
		case "details":
			dest[i] = &details
		case "firstSeen":
			dest[i] = &firstSeen
		case "lastSeen":
			dest[i] = &lastSeen
		case "count":
			dest[i] = &rec.Count
		case "confidence":
			dest[i] = &rec.Confidence
		case "priority":
			dest[i] = &rec.Priority
		case "rootCause":
			dest[i] = &rec.RootCause
		case "outcome":
			dest[i] = &rec.Outcome
		default:
			return IssueRecord{}, fmt.Errorf("scan issue: unexpected column %q", col)
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return IssueRecord{}, fmt.Errorf("scan issue: %w", err)
	}

	obj, err := unmarshalObject(details)
	if err != nil {
		return IssueRecord{}, fmt.Errorf("scan issue %s: %w", rec.ID, err)
	}
	rec.Details = obj
	rec.FirstSeen = fromMillis(firstSeen)
	rec.LastSeen = fromMillis(lastSeen)
	return rec, nil
}

// RecordOutcome stores an operator verdict on an issue.
func (s *Store) RecordOutcome(ctx context.Context, id, outcome string) error {
	switch outcome {
	case OutcomeConfirmed, OutcomeFalsePositive:
	default:
		return fmt.Errorf("record outcome %s: unknown outcome %q", id, outcome)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE issues SET outcome = ? WHERE id = ?`, outcome, id)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("record outcome %s: %w", id, ErrNotFound)
	}
	return nil
}

// OutcomeCounts returns how many issues of a type were confirmed and how
// many were marked false positives. Used to tune detection confidence.
func (s *Store) OutcomeCounts(ctx context.Context, issueType string) (confirmed, falsePositive int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0)
		FROM issues WHERE type = ?
	`, OutcomeConfirmed, OutcomeFalsePositive, issueType).Scan(&confirmed, &falsePositive)
	if err != nil {
		return 0, 0, fmt.Errorf("outcome counts %s: %w", issueType, err)
	}
	return confirmed, falsePositive, nil
}
