package detect

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/vigil/internal/metrics"
	"github.com/roach88/vigil/internal/state"
)

// LogEvent is one normalized entry of the external log stream.
type LogEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// IsError reports whether the event is error-level or worse.
func (e LogEvent) IsError() bool {
	switch strings.ToLower(e.Level) {
	case "error", "fatal", "critical", "panic":
		return true
	}
	return false
}

// ErrorCountsPath holds per-category counts of classified log errors.
const ErrorCountsPath = "stats.errorCounts"

var (
	numberRe   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	expectedRe = regexp.MustCompile(`(?i)\bexpected\b[\s:=]*(-?\d+(?:\.\d+)?)`)
	actualRe   = regexp.MustCompile(`(?i)\b(?:actual|got|found)\b[\s:=]*(-?\d+(?:\.\d+)?)`)
	uuidRe     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
)

// contextKeys are event detail fields copied into issue details for
// correlation.
var contextKeys = []string{"tableId", "playerId", "service", "operationId"}

// LogAnalyzer classifies error-level log events into issues.
type LogAnalyzer struct {
	store    *state.Store
	registry *Registry
}

// NewLogAnalyzer creates an analyzer reporting into reg. st may be nil, in
// which case error counts are not tracked.
func NewLogAnalyzer(st *state.Store, reg *Registry) *LogAnalyzer {
	return &LogAnalyzer{store: st, registry: reg}
}

// Analyze turns ev into an issue. Events below error level and messages no
// rule matches produce no issue and no error.
func (a *LogAnalyzer) Analyze(ctx context.Context, ev LogEvent) (*Issue, error) {
	if !ev.IsError() {
		metrics.LogEventsTotal.WithLabelValues("ignored").Inc()
		return nil, nil
	}
	d, ok := ClassifyLog(a.registry, ev)
	if !ok {
		metrics.LogEventsTotal.WithLabelValues("ignored").Inc()
		return nil, nil
	}
	metrics.LogEventsTotal.WithLabelValues("classified").Inc()
	a.countError(d.Category)

	iss, _, err := a.registry.Report(ctx, d)
	return iss, err
}

// ClassifyLog maps an event onto a draft using the registry's policy rules.
func ClassifyLog(reg *Registry, ev LogEvent) (Draft, bool) {
	rule, ok := reg.Policy().Classify(ev.Message)
	if !ok {
		return Draft{}, false
	}

	details := ExtractFields(ev.Message)
	details["category"] = rule.Category
	if ev.Source != "" {
		details["source"] = ev.Source
	}
	for _, k := range contextKeys {
		if v, ok := ev.Details[k]; ok {
			details[k] = v
		}
	}

	return Draft{
		Type:     "LOG_" + strings.ToUpper(rule.Category),
		Severity: rule.Severity,
		Method:   MethodLogAnalysis,
		Category: rule.Category,
		Details:  details,
		Context:  map[string]any{"message": ev.Message, "level": ev.Level},
		At:       ev.Timestamp,
	}, true
}

// ExtractFields pulls structured values out of free text: a labeled
// expected/actual pair (with their difference), otherwise every number as
// amounts, plus UUID-like identifiers.
func ExtractFields(msg string) map[string]any {
	out := map[string]any{}

	ids := uuidRe.FindAllString(msg, -1)
	if len(ids) > 0 {
		list := make([]any, len(ids))
		for i, id := range ids {
			list[i] = strings.ToLower(id)
		}
		out["ids"] = list
	}
	// Numbers inside ids are not amounts.
	rest := uuidRe.ReplaceAllString(msg, " ")

	exp, hasExp := firstNumber(expectedRe, rest)
	act, hasAct := firstNumber(actualRe, rest)
	if hasExp {
		out["expected"] = exp
	}
	if hasAct {
		out["actual"] = act
	}
	if hasExp && hasAct {
		out["difference"] = act - exp
		return out
	}

	var amounts []any
	for _, m := range numberRe.FindAllString(rest, -1) {
		if f, err := strconv.ParseFloat(m, 64); err == nil {
			amounts = append(amounts, f)
		}
	}
	if len(amounts) > 0 {
		out["amounts"] = amounts
	}
	return out
}

func firstNumber(re *regexp.Regexp, s string) (float64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// countError bumps stats.errorCounts.<category>.
func (a *LogAnalyzer) countError(category string) {
	if a.store == nil {
		return
	}
	path := ErrorCountsPath + "." + category
	n, _ := a.store.Get(path).(float64)
	if _, err := a.store.Update(path, n+1, map[string]any{"source": "log_analysis"}); err != nil {
		a.registry.logger.Warn("error count update failed", "category", category, "error", err)
	}
}
