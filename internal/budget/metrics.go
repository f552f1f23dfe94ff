package budget

import "github.com/prometheus/client_golang/prometheus"

var (
	budgetDesc = prometheus.NewDesc(
		"dime_budget_nanoseconds",
		"Per-period instrumentation allowance",
		nil, nil)
	remainingDesc = prometheus.NewDesc(
		"dime_budget_remaining_nanoseconds",
		"Budget left in the current period (negative when overspent)",
		nil, nil)
	resetsDesc = prometheus.NewDesc(
		"dime_budget_resets_total",
		"Periodic budget resets",
		nil, nil)
	measurementsDesc = prometheus.NewDesc(
		"dime_budget_measurements_total",
		"Analysis callbacks charged against the budget",
		nil, nil)
	measuredDesc = prometheus.NewDesc(
		"dime_budget_measured_nanoseconds_total",
		"Total measured analysis callback cost",
		nil, nil)
	historyDesc = prometheus.NewDesc(
		"dime_budget_history_length",
		"Pre-reset values recorded in the budget history",
		nil, nil)
	historyDroppedDesc = prometheus.NewDesc(
		"dime_budget_history_dropped_total",
		"Resets not recorded because the history was full",
		nil, nil)
)

// collector exposes a Controller's counters.
type collector struct {
	c *Controller
}

// NewCollector returns a prometheus.Collector reading c on every scrape.
func NewCollector(c *Controller) prometheus.Collector {
	return &collector{c: c}
}

func (m *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- budgetDesc
	ch <- remainingDesc
	ch <- resetsDesc
	ch <- measurementsDesc
	ch <- measuredDesc
	ch <- historyDesc
	ch <- historyDroppedDesc
}

func (m *collector) Collect(ch chan<- prometheus.Metric) {
	s := m.c.Snapshot()
	ch <- prometheus.MustNewConstMetric(budgetDesc, prometheus.GaugeValue, float64(s.Budget))
	ch <- prometheus.MustNewConstMetric(remainingDesc, prometheus.GaugeValue, float64(s.Remaining))
	ch <- prometheus.MustNewConstMetric(resetsDesc, prometheus.CounterValue, float64(s.Resets))
	ch <- prometheus.MustNewConstMetric(measurementsDesc, prometheus.CounterValue, float64(s.Measurements))
	ch <- prometheus.MustNewConstMetric(measuredDesc, prometheus.CounterValue, float64(s.MeasuredNanos))
	ch <- prometheus.MustNewConstMetric(historyDesc, prometheus.GaugeValue, float64(s.HistoryLen))
	ch <- prometheus.MustNewConstMetric(historyDroppedDesc, prometheus.CounterValue, float64(s.HistoryDropped))
}
