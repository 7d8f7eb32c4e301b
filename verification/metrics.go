package verification

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sgx_qvl_verifications_total",
			Help: "Number of verified quotes by result (TCB status or error kind).",
		},
		[]string{"result"},
	)
	verificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sgx_qvl_verification_failures_total",
			Help: "Number of failed quote verifications by the step that failed.",
		},
		[]string{"step"},
	)
	verificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sgx_qvl_verification_duration_seconds",
			Help:    "Time spent verifying a quote, including collateral retrieval.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
	verificationCollectors = []prometheus.Collector{
		verificationsTotal,
		verificationFailures,
		verificationDuration,
	}
)

// RegisterMetrics registers the verification metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, collector := range verificationCollectors {
		if err := reg.Register(collector); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return err
		}
	}
	return nil
}

func observeVerification(start time.Time, result Result, err error) {
	verificationDuration.Observe(time.Since(start).Seconds())

	var verr *VerificationError
	switch {
	case err == nil:
		verificationsTotal.WithLabelValues(result.Status.String()).Inc()
	case errors.As(err, &verr):
		verificationsTotal.WithLabelValues(KindName(verr.Kind)).Inc()
		verificationFailures.WithLabelValues(verr.Step.String()).Inc()
	default:
		verificationsTotal.WithLabelValues(KindName(nil)).Inc()
	}
}
