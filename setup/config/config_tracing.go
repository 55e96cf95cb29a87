// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"io"

	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
)

// SetupTracing configures the opentracing global tracer. The returned
// closer flushes buffered spans and must be closed on shutdown.
func (c *ReceiptStream) SetupTracing() (closer io.Closer, err error) {
	if !c.Global.Tracing.Enabled {
		return io.NopCloser(nil), nil
	}
	return c.Global.Tracing.jaeger().InitGlobalTracer(
		c.Global.Tracing.ServiceName,
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

func (c *Tracing) jaeger() jaegerconfig.Configuration {
	return jaegerconfig.Configuration{
		ServiceName: c.ServiceName,
		Sampler: &jaegerconfig.SamplerConfig{
			Type:  c.SamplerType,
			Param: c.SamplerParam,
		},
		Reporter: &jaegerconfig.ReporterConfig{
			LocalAgentHostPort: c.AgentHostPort,
		},
	}
}

func (c *Tracing) Verify(configErrs *ConfigErrors) {
	if !c.Enabled {
		return
	}
	checkNotEmpty(configErrs, "global.tracing.service_name", c.ServiceName)
	switch c.SamplerType {
	case "const", "probabilistic", "ratelimiting", "remote":
	default:
		configErrs.Add("invalid value for config key \"global.tracing.sampler_type\": " + c.SamplerType)
	}
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}
