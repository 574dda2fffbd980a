package seam

import (
	"time"

	"github.com/rs/zerolog"
)

type Option func(*Engine)

// Path sets the staging root. Defaults to a "seam" subdirectory of the
// system temp dir.
func Path(p string) Option {
	return func(e *Engine) {
		e.root = p
	}
}

// MaxAge sets how long staging directories and uncollected artifacts may
// sit idle before the reaper removes them.
func MaxAge(d time.Duration) Option {
	return func(e *Engine) {
		e.maxAge = d
	}
}

// MaxUpload sets the per-upload size ceiling.
func MaxUpload(n int64) Option {
	return func(e *Engine) {
		e.maxUpload = n
	}
}

// MaxStaging sets the ceiling for the staging root as a whole.
func MaxStaging(n int64) Option {
	return func(e *Engine) {
		e.maxStaging = n
	}
}

// Allow installs the admission predicate. A nil predicate admits
// everything.
func Allow(f AllowFunc) Option {
	return func(e *Engine) {
		e.allow = f
	}
}

// OnComplete installs the completion hook.
func OnComplete(f CompleteFunc) Option {
	return func(e *Engine) {
		e.complete = f
	}
}

// Records installs the store finished uploads are recorded in.
func Records(s Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// Logger sets the engine logger. Defaults to a no-op logger.
func Logger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// Instrument points the engine at m instead of its default unregistered
// collectors.
func Instrument(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}
