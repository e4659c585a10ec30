// Package detect is the single point of issue creation.
//
// Four strategies feed one Registry:
//   - StateVerifier: structural checks over a state snapshot (fast tick)
//   - LogAnalyzer: keyword classification of error-level log events
//   - AnomalyDetector: statistical and ceiling checks (slow tick)
//   - contract violations forwarded by the contract engine
//
// Every draft is fingerprinted from (type, method, details). The registry
// keeps at most one Issue per fingerprint: a repeat bumps Count and
// LastSeen instead of creating a record. New issues are enriched once with
// a root cause (CausalLinker), fix suggestions from the ledger, confidence,
// priority and related issues, then announced to OnIssue listeners.
//
// Issues are never deleted. Active returns the ones seen inside the policy
// staleness window; Get returns any issue by id.
package detect
