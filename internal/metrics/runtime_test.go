package fepmetrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"

	"github.com/go-fep/fep/internal/correlator"
	"github.com/go-fep/fep/internal/duplicate"
	"github.com/go-fep/fep/internal/resilience"

	fepmetrics "github.com/go-fep/fep/internal/metrics"
)

func TestRuntimeCollectorReportsBreakerState(t *testing.T) {
	t.Parallel()

	reg := resilience.NewRegistry()
	breaker := resilience.NewCircuitBreaker("acquirer-a", resilience.BreakerConfig{}, nil)
	reg.Register("acquirer-a", resilience.NewGate("acquirer-a", nil, breaker))

	rc := fepmetrics.NewRuntimeCollector(nil, reg, nil, nil)

	promReg := prometheus.NewRegistry()
	if err := promReg.Register(rc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	mf := findFamily(t, families, "fep_breaker_state")
	if len(mf.Metric) != 1 {
		t.Fatalf("fep_breaker_state metric count = %d, want 1", len(mf.Metric))
	}
	if got := mf.Metric[0].GetGauge().GetValue(); got != 0 {
		t.Errorf("breaker state = %v, want 0 (CLOSED)", got)
	}
}

func TestRuntimeCollectorReportsDuplicateAndCorrelatorGauges(t *testing.T) {
	t.Parallel()

	dup := duplicate.New()
	dup.CheckAndRecord(duplicate.Fingerprint{AcquirerID: "a", TerminalID: "t", STAN: "000001"})

	corr := correlator.New(nil)
	if _, err := corr.Submit(correlator.Key{STAN: "000001"}, "ch1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rc := fepmetrics.NewRuntimeCollector(nil, nil, dup, corr)

	promReg := prometheus.NewRegistry()
	if err := promReg.Register(rc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	dupFamily := findFamily(t, families, "fep_duplicate_cache_size")
	if got := dupFamily.Metric[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("duplicate cache size = %v, want 1", got)
	}

	corrFamily := findFamily(t, families, "fep_correlator_in_flight")
	if got := corrFamily.Metric[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("correlator in-flight = %v, want 1", got)
	}
}

func TestRuntimeCollectorSkipsNilComponents(t *testing.T) {
	t.Parallel()

	rc := fepmetrics.NewRuntimeCollector(nil, nil, nil, nil)

	promReg := prometheus.NewRegistry()
	if err := promReg.Register(rc); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := promReg.Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
}

func findFamily(t *testing.T, families []*io_prometheus_client.MetricFamily, name string) *io_prometheus_client.MetricFamily {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}
