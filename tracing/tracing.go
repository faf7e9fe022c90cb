// Package tracing wires a jaeger tracer behind the opentracing global.
package tracing

import (
	"fmt"
	"io"

	"github.com/opentracing/opentracing-go"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"
	"go.uber.org/zap"
)

type Config struct {
	Enabled     bool
	ServiceName string
	Host        string
	Port        int
}

// InitTracer installs the global tracer and returns a closer that flushes it.
// When tracing is disabled the global stays a no-op tracer.
func InitTracer(conf Config, log *zap.Logger) (opentracing.Tracer, func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !conf.Enabled {
		tracer := opentracing.NoopTracer{}
		opentracing.SetGlobalTracer(tracer)
		return tracer, func() {}, nil
	}
	if conf.ServiceName == "" {
		conf.ServiceName = "copybot"
	}

	cfg := &jCfg.Configuration{
		ServiceName: conf.ServiceName,
		Sampler: &jCfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		},
	}

	tracer, closer, err := cfg.NewTracer(jCfg.Metrics(metrics.NullFactory))
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: init jaeger: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, closeFunc(closer, log), nil
}

func closeFunc(c io.Closer, log *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Error("closing jaeger tracer", zap.Error(err))
		}
	}
}
