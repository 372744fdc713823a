package fepmetrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	fepmetrics "github.com/go-fep/fep/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fepmetrics.NewCollector(reg)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.TransactionsTotal == nil {
		t.Error("TransactionsTotal is nil")
	}
	if c.TransactionDuration == nil {
		t.Error("TransactionDuration is nil")
	}

	// Verify registration does not panic.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestConnectionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fepmetrics.NewCollector(reg)

	c.ConnectionOpened()
	c.ConnectionOpened()
	if got := gaugeValue(t, c.Connections); got != 2 {
		t.Errorf("Connections = %v, want 2", got)
	}

	c.ConnectionClosed()
	if got := gaugeValue(t, c.Connections); got != 1 {
		t.Errorf("Connections = %v, want 1", got)
	}
}

func TestTransactionHandled(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fepmetrics.NewCollector(reg)

	c.TransactionHandled("acquirer-a", "00", 5*time.Millisecond)
	c.TransactionHandled("acquirer-a", "00", 10*time.Millisecond)
	c.TransactionHandled("acquirer-a", "05", 2*time.Millisecond)

	if got := counterValue(t, c.TransactionsTotal, "acquirer-a", "00"); got != 2 {
		t.Errorf("TransactionsTotal(acquirer-a, 00) = %v, want 2", got)
	}
	if got := counterValue(t, c.TransactionsTotal, "acquirer-a", "05"); got != 1 {
		t.Errorf("TransactionsTotal(acquirer-a, 05) = %v, want 1", got)
	}
}

func TestTransactionHandledDefaultsUnroutedLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fepmetrics.NewCollector(reg)

	c.TransactionHandled("", "30", time.Millisecond)

	if got := counterValue(t, c.TransactionsTotal, "unrouted", "30"); got != 1 {
		t.Errorf("TransactionsTotal(unrouted, 30) = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
