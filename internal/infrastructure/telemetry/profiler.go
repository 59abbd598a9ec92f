package telemetry

import (
	"context"
	"fmt"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"
)

// ProfilerConfig configures Pyroscope continuous profiling.
type ProfilerConfig struct {
	Enabled         bool
	ServerAddress   string
	ApplicationName string
	Tags            map[string]string
}

// Profiler is a running Pyroscope session, or a no-op when disabled.
type Profiler struct {
	session *pyroscope.Profiler
}

// NewProfiler starts profiling CPU, allocations and goroutines.
func NewProfiler(cfg ProfilerConfig, logger *zap.Logger) (*Profiler, error) {
	if !cfg.Enabled {
		return &Profiler{}, nil
	}
	if cfg.ServerAddress == "" || cfg.ApplicationName == "" {
		return nil, fmt.Errorf("profiler needs a server address and an application name")
	}
	session, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          pyroscopeLogger{logger.Named("pyroscope").Sugar()},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope: %w", err)
	}
	logger.Info("continuous profiling enabled", zap.String("server", cfg.ServerAddress))
	return &Profiler{session: session}, nil
}

// Enabled reports whether profiles are being pushed
func (p *Profiler) Enabled() bool {
	return p != nil && p.session != nil
}

// Stop flushes and ends the session
func (p *Profiler) Stop() error {
	if !p.Enabled() {
		return nil
	}
	return p.session.Stop()
}

// Profile runs fn with pprof labels so samples can be filtered by the
// pairs given, e.g. Profile(ctx, fn, "job_kind", "poll").
func Profile(ctx context.Context, fn func(context.Context), labels ...string) {
	if len(labels)%2 != 0 {
		labels = labels[:len(labels)-1]
	}
	pyroscope.TagWrapper(ctx, pyroscope.Labels(labels...), fn)
}

type pyroscopeLogger struct{ s *zap.SugaredLogger }

func (l pyroscopeLogger) Infof(format string, args ...any)  { l.s.Debugf(format, args...) }
func (l pyroscopeLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l pyroscopeLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
