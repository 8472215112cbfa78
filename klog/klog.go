// Package klog is the kernel's ambient logging substrate. It wraps
// logrus the way the teacher wraps fmt.Printf for boot messages (see
// mem.Phys_init), but structured and leveled, with noisy repeating
// warnings throttled by a token-bucket limiter. It is not the out-of-scope
// kgprof/kft tracing subsystem or klog's on-disk formatting feature — just
// the substrate every package in this repository logs through.
package klog

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mimiker/bootargs"
)

var (
	mu     sync.Mutex
	logger = newDefault()

	limiters   = map[string]*rate.Limiter{}
	limitersMu sync.Mutex
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: false})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Quiet matches the teacher's klog-quiet boot argument: suppress everything
// below warning level.
func Quiet() {
	mu.Lock()
	defer mu.Unlock()
	logger.SetLevel(logrus.WarnLevel)
}

// Verbose matches klog-verbose: emit debug-level tracing.
func Verbose() {
	mu.Lock()
	defer mu.Unlock()
	logger.SetLevel(logrus.DebugLevel)
}

// SetMask lets callers point klog at an arbitrary logrus level, mirroring
// the boot argument klog-mask.
func SetMask(level logrus.Level) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetLevel(level)
}

// Configure applies the klog-mask/klog-quiet/klog-verbose boot arguments
// parsed into cfg, in the same precedence the teacher's boot sequence
// applies them: an explicit mask wins, otherwise quiet/verbose toggle the
// level, otherwise the default level from newDefault stands.
func Configure(cfg *bootargs.Config) {
	if cfg == nil {
		return
	}
	if level, err := logrus.ParseLevel(cfg.KlogMask); cfg.KlogMask != "" && err == nil {
		SetMask(level)
		return
	}
	switch {
	case cfg.KlogQuiet:
		Quiet()
	case cfg.KlogVerbose:
		Verbose()
	}
}

func entry() *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	return logrus.NewEntry(logger)
}

// Debugf logs boot and subsystem tracing detail.
func Debugf(format string, args ...any) { entry().Debugf(format, args...) }

// Infof logs ordinary kernel progress messages (subsystem init, etc).
func Infof(format string, args ...any) { entry().Infof(format, args...) }

// Warnf logs a recoverable anomaly (e.g. a faulting access outside any
// segment). Use WarnfLimited for anything that can repeat per-fault or
// per-tick.
func Warnf(format string, args ...any) { entry().Warnf(format, args...) }

// WarnfLimited logs a warning through a named token bucket so that a
// storm of identical faults (e.g. a user thread spinning against a guard
// page) does not flood the log. Each distinct key gets its own bucket.
func WarnfLimited(key string, format string, args ...any) {
	limitersMu.Lock()
	lim, ok := limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 5)
		limiters[key] = lim
	}
	limitersMu.Unlock()

	if lim.Allow() {
		entry().Warnf(format, args...)
	}
}

// Panicf logs at panic level and then panics, matching the teacher's use of
// bare panic() for invariant violations (double free, unknown pmap opcode,
// kernel stack overflow).
func Panicf(format string, args ...any) {
	entry().Panicf(format, args...)
}
