package detect

import (
	"math"

	"github.com/roach88/vigil/internal/policy"
)

// confidence scores an issue: the policy base, a boost for detections
// read directly off state, and a capped boost per repeat. Clamped to [0,1].
func confidence(p *policy.Policy, method Method, count int) float64 {
	c := p.Confidence.Base
	if method == MethodStateVerification || method == MethodContract {
		c += p.Confidence.StateVerificationBoost
	}
	if count > 1 {
		c += math.Min(p.Confidence.RepeatBoost*float64(count-1), p.Confidence.RepeatBoostCap)
	}
	return math.Max(0, math.Min(1, c))
}

// priority is a weighted sum of severity, confidence and frequency. The
// frequency term 1-1/count starts at 0 and saturates towards 1 as an issue
// keeps recurring; confidence and frequency are scaled to the 0-10 range of
// severity weights.
func priority(p *policy.Policy, severity string, conf float64, count int) float64 {
	freq := 0.0
	if count > 0 {
		freq = 1 - 1/float64(count)
	}
	w := p.Priority
	return w.SeverityWeight*p.SeverityWeight(severity) +
		w.ConfidenceWeight*10*conf +
		w.FrequencyWeight*10*freq
}
