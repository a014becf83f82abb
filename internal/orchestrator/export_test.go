package orchestrator

import "github.com/prometheus/client_golang/prometheus"

func (m *Metrics) RequestsCounter(state string) prometheus.Collector {
	return m.requests.WithLabelValues(state)
}

func (m *Metrics) ActiveRequests() prometheus.Collector { return m.activeRequests }
