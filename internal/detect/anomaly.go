package detect

import (
	"context"
	"fmt"
	"math"

	"github.com/roach88/vigil/internal/canon"
	"github.com/roach88/vigil/internal/policy"
	"github.com/roach88/vigil/internal/state"
)

// TransactionsPath is the list of recorded chip movements.
const TransactionsPath = "ledger.transactions"

// Anomaly issue types.
const (
	AnomalyLargeTransaction = "ANOMALY_LARGE_TRANSACTION"
	AnomalyHighLatency      = "ANOMALY_HIGH_LATENCY"
	AnomalyErrorRate        = "ANOMALY_ERROR_RATE"
)

// AnomalyDetector flags statistical outliers and ceiling breaches.
type AnomalyDetector struct {
	store    *state.Store
	registry *Registry
}

// NewAnomalyDetector creates a detector reporting into reg.
func NewAnomalyDetector(st *state.Store, reg *Registry) *AnomalyDetector {
	return &AnomalyDetector{store: st, registry: reg}
}

// Check scans the current snapshot and reports every anomaly.
func (a *AnomalyDetector) Check(ctx context.Context) (int, error) {
	drafts := DetectAnomalies(a.registry.Policy(), a.store.Snapshot())
	return reportAll(ctx, a.registry, drafts)
}

// DetectAnomalies returns the anomalies in snap:
//   - among the last Window transactions, any of the most recent Recent
//     whose |amount| exceeds mean + Sigma*stddev (population stddev of
//     |amount| over the window)
//   - response time above the latency ceiling
//   - per service, errors/requests above the error-rate ceiling
func DetectAnomalies(p *policy.Policy, snap map[string]any) []Draft {
	var drafts []Draft
	drafts = append(drafts, transactionOutliers(p, snap)...)

	if perf, ok := snap["performance"].(map[string]any); ok {
		if ms, ok := perf["responseTimeMs"].(float64); ok && ms > p.Anomaly.LatencyCeilingMs {
			drafts = append(drafts, Draft{
				Type:     AnomalyHighLatency,
				Severity: policy.SeverityMedium,
				Method:   MethodAnomaly,
				Category: "latency",
				Details:  map[string]any{"ceilingMs": p.Anomaly.LatencyCeilingMs},
				Context:  map[string]any{"responseTimeMs": ms},
			})
		}
	}

	services, _ := snap["services"].(map[string]any)
	for _, name := range canon.SortedKeys(services) {
		svc, ok := services[name].(map[string]any)
		if !ok {
			continue
		}
		requests, _ := svc["requests"].(float64)
		errs, _ := svc["errors"].(float64)
		if requests <= 0 {
			continue
		}
		if rate := errs / requests; rate > p.Anomaly.ErrorRateCeiling {
			drafts = append(drafts, Draft{
				Type:     AnomalyErrorRate,
				Severity: policy.SeverityHigh,
				Method:   MethodAnomaly,
				Category: "connectivity",
				Details:  map[string]any{"service": name, "ceiling": p.Anomaly.ErrorRateCeiling},
				Context:  map[string]any{"errorRate": rate, "errors": errs, "requests": requests},
			})
		}
	}
	return drafts
}

func transactionOutliers(p *policy.Policy, snap map[string]any) []Draft {
	ledger, _ := snap["ledger"].(map[string]any)
	txs, _ := ledger["transactions"].([]any)
	if len(txs) > p.Anomaly.Window {
		txs = txs[len(txs)-p.Anomaly.Window:]
	}

	// Index of each sample in txs, so outliers can be traced back.
	var (
		mags []float64
		idx  []int
	)
	for i, tx := range txs {
		if amt, ok := amountOf(tx); ok {
			mags = append(mags, math.Abs(amt))
			idx = append(idx, i)
		}
	}
	if len(mags) < 2 {
		return nil
	}

	mean, stddev := meanStddev(mags)
	threshold := mean + p.Anomaly.Sigma*stddev

	recent := p.Anomaly.Recent
	if recent > len(mags) {
		recent = len(mags)
	}
	var drafts []Draft
	for k := len(mags) - recent; k < len(mags); k++ {
		if mags[k] <= threshold {
			continue
		}
		tx := txs[idx[k]]
		drafts = append(drafts, Draft{
			Type:     AnomalyLargeTransaction,
			Severity: policy.SeverityHigh,
			Method:   MethodAnomaly,
			Category: "anomaly",
			Details:  transactionDetails(tx),
			Context: map[string]any{
				"mean":      mean,
				"stddev":    stddev,
				"threshold": threshold,
				"sigma":     p.Anomaly.Sigma,
			},
		})
	}
	return drafts
}

// meanStddev returns the mean and population standard deviation.
func meanStddev(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func amountOf(tx any) (float64, bool) {
	switch v := tx.(type) {
	case float64:
		return v, true
	case map[string]any:
		amt, ok := v["amount"].(float64)
		return amt, ok
	}
	return 0, false
}

// transactionDetails keeps the identifying fields of a movement.
func transactionDetails(tx any) map[string]any {
	out := map[string]any{}
	m, ok := tx.(map[string]any)
	if !ok {
		out["amount"] = tx
		return out
	}
	for _, k := range []string{"id", "tableId", "playerId", "amount"} {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	if _, ok := out["id"]; ok {
		out["transactionId"] = fmt.Sprint(out["id"])
		delete(out, "id")
	}
	return out
}
