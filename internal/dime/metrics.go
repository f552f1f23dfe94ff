package dime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/dime-governor/internal/budget"
)

var (
	threadsDesc = prometheus.NewDesc(
		"dime_threads",
		"Threads registered with the controller",
		nil, nil)
	unregisteredDesc = prometheus.NewDesc(
		"dime_threads_unregistered_total",
		"Threads that started beyond the registry capacity",
		nil, nil)
	degradedDesc = prometheus.NewDesc(
		"dime_degraded",
		"1 if the budget timer could not be armed",
		nil, nil)
	seededDesc = prometheus.NewDesc(
		"dime_seeded_regions_total",
		"Regions loaded from a previous run's logs",
		nil, nil)
)

type controllerCollector struct {
	c *Controller
}

func (cc controllerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- threadsDesc
	ch <- unregisteredDesc
	ch <- degradedDesc
	ch <- seededDesc
}

func (cc controllerCollector) Collect(ch chan<- prometheus.Metric) {
	s := cc.c.Stats()
	degraded := 0.0
	if s.Degraded {
		degraded = 1
	}
	ch <- prometheus.MustNewConstMetric(threadsDesc, prometheus.GaugeValue, float64(s.Threads))
	ch <- prometheus.MustNewConstMetric(unregisteredDesc, prometheus.CounterValue, float64(s.UnregisteredThreads))
	ch <- prometheus.MustNewConstMetric(degradedDesc, prometheus.GaugeValue, degraded)
	ch <- prometheus.MustNewConstMetric(seededDesc, prometheus.CounterValue, float64(s.SeededRegions))
}

// Collectors returns the Prometheus collectors describing c.
func (c *Controller) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		budget.NewCollector(c.budget),
		c.selector,
		controllerCollector{c: c},
	}
}
