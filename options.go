package gpusync

import (
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/barrier"
)

// FallbackMode selects when range-level barriers are replaced by coarse
// device-wide stalls.
type FallbackMode = barrier.Mode

// Fallback modes.
const (
	// FallbackNever always emits range-level barriers.
	FallbackNever = barrier.FallbackNever

	// FallbackAlways stalls all stages and memory for every
	// synchronization command.
	FallbackAlways = barrier.FallbackAlways

	// FallbackSoftware stalls coarsely when the adapter is a software
	// rasterizer.
	FallbackSoftware = barrier.FallbackSoftware
)

// ParseFallbackMode parses "never", "always" or "software".
func ParseFallbackMode(s string) (FallbackMode, error) { return barrier.ParseMode(s) }

// Option configures a Context during creation.
//
// Example:
//
//	ctx, err := gpusync.NewContext(device, queues,
//	    gpusync.WithFallback(gpusync.FallbackSoftware),
//	    gpusync.WithAdapterInfo(info),
//	)
type Option func(*options)

// options holds optional configuration for Context creation.
type options struct {
	logger       *slog.Logger
	policy       barrier.Policy
	pollInterval time.Duration
	registerer   prometheus.Registerer
	onRelease    func(access.ResourceID)
}

// defaultOptions returns the default context options.
func defaultOptions() options {
	return options{
		logger: nil, // Falls back to the package logger
		policy: barrier.Policy{Mode: FallbackNever},
	}
}

// WithLogger sets the logger for one context, overriding the package
// logger installed with SetLogger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithFallback selects the coarse fallback mode.
func WithFallback(m FallbackMode) Option {
	return func(o *options) {
		o.policy.Mode = m
	}
}

// WithMaxBarriers caps the number of range barriers in one
// synchronization command. Commands that would carry more collapse into a
// single coarse stall. Zero disables the cap.
func WithMaxBarriers(n int) Option {
	return func(o *options) {
		o.policy.MaxBarriers = max(n, 0)
	}
}

// WithAdapterInfo describes the adapter behind the device. It is
// consulted by FallbackSoftware.
func WithAdapterInfo(info gpucontext.AdapterInfo) Option {
	return func(o *options) {
		o.policy.Adapter = info
	}
}

// WithPollInterval sets the initial interval at which Wait polls queues
// for completion. The interval doubles up to a fixed ceiling while the
// submission stays pending.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithMetrics registers the context's Prometheus collectors with reg.
// Without it the collectors are kept but never exported.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithReleaseHook sets a function called once for every destroyed
// resource when no in-flight submission references it any more. Imported
// resources are handed back to their allocator through it; resources the
// context created are destroyed on the device before the hook runs.
func WithReleaseHook(fn func(access.ResourceID)) Option {
	return func(o *options) {
		o.onRelease = fn
	}
}
