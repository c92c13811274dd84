package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSettlement(t *testing.T) {
	m := Settlements()
	before := testutil.ToFloat64(m.settled.WithLabelValues("pull", "balance_fallback"))
	volume := testutil.ToFloat64(m.volume.WithLabelValues("pull"))

	m.RecordSettlement(" Pull ", "balance_fallback", 2.5)
	m.RecordSettlement("pull", "balance_fallback", 0)

	if got := testutil.ToFloat64(m.settled.WithLabelValues("pull", "balance_fallback")); got != before+2 {
		t.Fatalf("expected %v settlements, got %v", before+2, got)
	}
	if got := testutil.ToFloat64(m.volume.WithLabelValues("pull")); got != volume+2.5 {
		t.Fatalf("expected volume %v, got %v", volume+2.5, got)
	}

	var nilMetrics *SettlementMetrics
	nilMetrics.RecordSettlement("pull", "event", 1)
}
