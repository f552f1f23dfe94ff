package budget

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func gatherByName(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestCollector(t *testing.T) {
	c, clk := newTestController(t, 0.01, time.Second)
	measure(c, clk, 30*time.Microsecond)
	c.OnPeriodicTimer()
	measure(c, clk, 20*time.Microsecond)

	reg := prometheus.NewRegistry()
	col := NewCollector(c)
	reg.MustRegister(col)

	if n := testutil.CollectAndCount(col); n != 7 {
		t.Errorf("collector produced %d metrics, want 7", n)
	}

	families := gatherByName(t, reg)
	tests := []struct {
		name  string
		typ   dto.MetricType
		value float64
	}{
		{"dime_budget_nanoseconds", dto.MetricType_GAUGE, 100_000},
		{"dime_budget_remaining_nanoseconds", dto.MetricType_GAUGE, 80_000},
		{"dime_budget_resets_total", dto.MetricType_COUNTER, 1},
		{"dime_budget_measurements_total", dto.MetricType_COUNTER, 2},
		{"dime_budget_measured_nanoseconds_total", dto.MetricType_COUNTER, 50_000},
		{"dime_budget_history_length", dto.MetricType_GAUGE, 1},
		{"dime_budget_history_dropped_total", dto.MetricType_COUNTER, 0},
	}
	for _, tt := range tests {
		mf, ok := families[tt.name]
		if !ok {
			t.Errorf("metric %q not gathered", tt.name)
			continue
		}
		if mf.GetType() != tt.typ {
			t.Errorf("%s: type %v, want %v", tt.name, mf.GetType(), tt.typ)
		}
		m := mf.GetMetric()[0]
		var got float64
		if tt.typ == dto.MetricType_COUNTER {
			got = m.GetCounter().GetValue()
		} else {
			got = m.GetGauge().GetValue()
		}
		if got != tt.value {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.value)
		}
	}
}
