package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordPush("alarm", time.Second, nil)
	m.RecordCommand("help", errors.New("x"))
	m.RecordCatalogRefresh(3, nil)
}

func TestRecordResults(t *testing.T) {
	m := New()
	m.RecordPush("alarm", time.Second, nil)
	m.RecordPush("alarm", time.Second, errors.New("boom"))
	m.RecordPush("reconcile", time.Second, nil)
	m.RecordCatalogRefresh(42, nil)
	m.RecordCatalogRefresh(0, errors.New("down"))

	if got := testutil.ToFloat64(m.Pushes.WithLabelValues("alarm", "ok")); got != 1 {
		t.Fatalf("alarm ok=%v", got)
	}
	if got := testutil.ToFloat64(m.Pushes.WithLabelValues("alarm", "error")); got != 1 {
		t.Fatalf("alarm error=%v", got)
	}
	if got := testutil.ToFloat64(m.CatalogSize); got != 42 {
		t.Fatalf("catalog size=%v, failed refresh must not reset it", got)
	}
}
