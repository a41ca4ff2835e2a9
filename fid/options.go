package fid

import (
	"io"
	"math/rand/v2"

	"github.com/YuminosukeSato/flowfid/performance"
	"github.com/YuminosukeSato/flowfid/pkg/log"
)

type options struct {
	logger    log.Logger
	progress  io.Writer
	cachePath string
	rng       *rand.Rand
	runID     string
	budget    *performance.MemoryBudget
}

// Option configures ActivationStatistics and Calculate.
type Option func(*options)

// WithLogger sets the logger. The process-wide logger is used otherwise.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProgress draws a progress bar on w.
func WithProgress(w io.Writer) Option {
	return func(o *options) {
		o.progress = w
	}
}

// WithReferenceCache loads reference statistics from path when the file
// exists and saves them there after computing them otherwise.
func WithReferenceCache(path string) Option {
	return func(o *options) {
		o.cachePath = path
	}
}

// WithRand sets the latent sampling source. By default it is seeded from
// the config seed.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

// WithRunID sets the run id instead of a fresh UUID.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// WithMemoryBudget reserves the run's estimated memory against a budget
// shared with other runs. The reservation is released when the run returns.
// Without it each run checks its estimate against cfg.MaxMemoryMB alone.
func WithMemoryBudget(b *performance.MemoryBudget) Option {
	return func(o *options) {
		o.budget = b
	}
}
