package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricExecutionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caserunner",
		Name:      "executions_started_total",
		Help:      "Executions started since process start.",
	})
	metricExecutionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "caserunner",
		Name:      "executions_active",
		Help:      "Executions currently tracked in the registry.",
	})
	metricSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caserunner",
		Name:      "steps_total",
		Help:      "Step evaluations by outcome.",
	}, []string{"outcome"})
	metricInterventions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "caserunner",
		Name:      "interventions_total",
		Help:      "Human interventions requested.",
	})
)
