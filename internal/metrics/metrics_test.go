package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(IntegrityWarningsTotal.WithLabelValues("list_coercion"))
	IntegrityWarningsTotal.WithLabelValues("list_coercion").Inc()
	after := testutil.ToFloat64(IntegrityWarningsTotal.WithLabelValues("list_coercion"))
	assert.Equal(t, before+1, after)
}

func TestCollectorsAreLintClean(t *testing.T) {
	problems, err := testutil.CollectAndLint(SaveOperationsTotal)
	assert.NoError(t, err)
	assert.Empty(t, problems)
}
