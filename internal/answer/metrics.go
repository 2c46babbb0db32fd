package answer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docqa_answer_fallback_total",
		Help: "Answers produced by the one-shot fallback after the stream failed",
	})
	answersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docqa_answer_total",
		Help: "Answer streams by branch and outcome",
	}, []string{"branch", "outcome"})
)
