// Package observability assembles metrics and tracing providers.
package observability

import (
	"github.com/careledger/careledger/internal/observability/metrics"
	"github.com/careledger/careledger/internal/observability/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(func() *metrics.Metrics {
		return metrics.New(prometheus.DefaultRegisterer)
	}),
	fx.Invoke(tracing.Setup),
)
