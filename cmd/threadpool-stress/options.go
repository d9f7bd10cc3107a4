package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"github.com/aradilov/threadpool"
	"github.com/aradilov/threadpool/internal/logging"
)

var schedulerKinds = []string{"heap", "wheel"}

// Options holds the command-line configuration of a stress run.
type Options struct {
	Alarms     int
	MaxDelay   time.Duration
	Slop       time.Duration
	Schedulers []string
	ThreadMax  int
	IdleMin    int
	// Buffer sizes the ring that carries firings from listeners to the verifier.
	Buffer       int
	TickInterval time.Duration

	MetricsAddr  string
	LogVerbosity int
}

func NewOptions() *Options {
	return &Options{
		Alarms:       1000,
		MaxDelay:     500 * time.Millisecond,
		Slop:         50 * time.Millisecond,
		Schedulers:   slices.Clone(schedulerKinds),
		ThreadMax:    256,
		IdleMin:      threadpool.DefaultIdleMin,
		Buffer:       4096,
		TickInterval: threadpool.DefaultTickInterval,
		LogVerbosity: logging.DEFAULT,
	}
}

func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	fs.IntVar(&opts.Alarms, "alarms", opts.Alarms, "Number of alarms queued per scheduler.")
	fs.DurationVar(&opts.MaxDelay, "max-delay", opts.MaxDelay, "Alarm delays are drawn uniformly from [0, max-delay].")
	fs.DurationVar(&opts.Slop, "slop", opts.Slop, "Lateness tolerated before an alarm counts as late.")
	fs.StringSliceVar(&opts.Schedulers, "scheduler", opts.Schedulers, "Schedulers to exercise: heap, wheel.")
	fs.IntVar(&opts.ThreadMax, "thread-max", opts.ThreadMax, "Worker ceiling of each pool.")
	fs.IntVar(&opts.IdleMin, "idle-min", opts.IdleMin, "Idle workers kept warm by each pool.")
	fs.IntVar(&opts.Buffer, "buffer", opts.Buffer, "Capacity of the firing ring buffer.")
	fs.DurationVar(&opts.TickInterval, "tick-interval", opts.TickInterval, "Tick interval of the wheel scheduler.")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "Serve Prometheus metrics on this address while running. Empty disables.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity, "Number for the log level verbosity.")
}

// Validate checks the Options for invalid values.
func (opts *Options) Validate() error {
	if opts.Alarms <= 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be positive", opts.Alarms, "alarms")
	}
	if opts.MaxDelay < 0 {
		return fmt.Errorf("invalid value %s for flag %q: must not be negative", opts.MaxDelay, "max-delay")
	}
	if opts.Slop <= 0 {
		return fmt.Errorf("invalid value %s for flag %q: must be positive", opts.Slop, "slop")
	}
	if opts.Buffer <= 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be positive", opts.Buffer, "buffer")
	}
	if len(opts.Schedulers) == 0 {
		return fmt.Errorf("flag %q: at least one scheduler is required", "scheduler")
	}
	for _, s := range opts.Schedulers {
		if !slices.Contains(schedulerKinds, s) {
			return fmt.Errorf("invalid value %q for flag %q: must be one of %v", s, "scheduler", schedulerKinds)
		}
	}
	return opts.poolConfig().Validate()
}

func (opts *Options) poolConfig() threadpool.Config {
	return threadpool.Config{
		ThreadMax: opts.ThreadMax,
		IdleMin:   opts.IdleMin,
		IdleMax:   max(opts.IdleMin, min(threadpool.DefaultIdleMax, opts.ThreadMax)),
	}.WithDefaults()
}
