package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AttachTotal counts attach attempts by result.
	AttachTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emmc_attach_total",
			Help: "Number of card attach attempts by result",
		},
		[]string{"result"},
	)

	// ResumeTotal counts resumes by the path that brought the card back.
	ResumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emmc_resume_total",
			Help: "Number of resumes by path: partial, full or failed",
		},
		[]string{"path"},
	)

	InitTimingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emmc_init_timing_total",
			Help: "Number of completed card initializations by the bus timing reached",
		},
		[]string{"timing"},
	)

	FeatureRefusalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emmc_feature_refusals_total",
			Help: "Number of optional features the card refused to enable",
		},
		[]string{"feature"},
	)
)

func init() {
	prometheus.MustRegister(AttachTotal, ResumeTotal, InitTimingTotal, FeatureRefusalsTotal)
}
