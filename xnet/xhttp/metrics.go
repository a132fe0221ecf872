package xhttp

import (
	"time"

	"github.com/armon/go-metrics"
)

var (
	metricEndpointCreated  = []string{"xhttp", "endpoint", "created"}
	metricEndpointEvicted  = []string{"xhttp", "endpoint", "evicted"}
	metricPipelineOpened   = []string{"xhttp", "pipeline", "opened"}
	metricPipelineClosed   = []string{"xhttp", "pipeline", "closed"}
	metricRedelivered      = []string{"xhttp", "request", "redelivered"}
	metricDedicated        = []string{"xhttp", "request", "dedicated"}
	metricConnectAttempt   = []string{"xhttp", "connect", "attempt"}
	metricConnectFailure   = []string{"xhttp", "connect", "failure"}
	metricOpenConnections  = []string{"xhttp", "connections", "open"}
	metricRequestDuration  = []string{"xhttp", "request", "duration"}
	metricRequestSucceeded = []string{"xhttp", "request", "succeeded"}
	metricRequestFailed    = []string{"xhttp", "request", "failed"}
)

func routeLabels(address string) []metrics.Label {
	return []metrics.Label{{Name: "address", Value: address}}
}

func (e *Engine) reportOpenConnections() {
	metrics.SetGauge(metricOpenConnections, float32(e.factory.OpenConnections()))
}

func measureRequest(start time.Time, address string, err error) {
	labels := routeLabels(address)

	metrics.MeasureSinceWithLabels(metricRequestDuration, start, labels)

	if err != nil {
		metrics.IncrCounterWithLabels(metricRequestFailed, 1, labels)
		return
	}

	metrics.IncrCounterWithLabels(metricRequestSucceeded, 1, labels)
}
