// Command threadpool-stress queues alarms with random delays on each scheduler, checks that every
// alarm fires exactly once and not early, and reports how late they fired.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/aradilov/threadpool"
	"github.com/aradilov/threadpool/alarm"
	"github.com/aradilov/threadpool/internal/logging"
	"github.com/aradilov/threadpool/metrics"
	"github.com/aradilov/threadpool/ring"
)

var errFailed = errors.New("stress run failed")

func main() {
	opts := NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := opts.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := logging.NewLogger(opts.LogVerbosity)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, opts); err != nil {
		logger.Error(err, "stress run")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger logr.Logger, opts *Options) error {
	reg := prometheus.NewRegistry()
	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if opts.MetricsAddr != "" {
		srv = &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	reports := make([]report, len(opts.Schedulers))
	scenarios, sctx := errgroup.WithContext(ctx)
	for i, kind := range opts.Schedulers {
		scenarios.Go(func() error {
			r, err := runScenario(sctx, logger.WithName(kind), kind, opts, reg)
			reports[i] = r
			return err
		})
	}
	g.Go(func() error {
		err := scenarios.Wait()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = errors.Join(err, srv.Shutdown(shutdownCtx))
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	failed := false
	for _, r := range reports {
		r.log(logger)
		failed = failed || !r.ok()
	}
	if failed {
		return errFailed
	}
	return nil
}

// firing is what a listener records: which alarm fired and when.
type firing struct {
	id int
	at int64
}

type report struct {
	scheduler  string
	alarms     int
	fired      int
	duplicates int
	lost       int
	early      int
	late       int
	maxLateMs  int64
	meanLateMs float64
	stats      alarm.Stats
	pool       threadpool.Stats
}

func (r report) ok() bool {
	return r.duplicates == 0 && r.lost == 0 && r.early == 0 && r.late == 0
}

func (r report) log(logger logr.Logger) {
	logger.Info("stress report", "scheduler", r.scheduler, "ok", r.ok(),
		"alarms", r.alarms, "fired", r.fired, "duplicates", r.duplicates, "lost", r.lost,
		"early", r.early, "late", r.late, "maxLateMs", r.maxLateMs, "meanLateMs", r.meanLateMs,
		"slowAlarms", r.stats.Slow, "rejected", r.stats.Rejected,
		"threadsCreated", r.pool.Created, "overflow", r.pool.Overflow)
}

func runScenario(ctx context.Context, logger logr.Logger, kind string, opts *Options, reg prometheus.Registerer) (report, error) {
	r := report{scheduler: kind, alarms: opts.Alarms}

	sysOpts := []threadpool.SystemOption{
		threadpool.WithSystemLogger(logger),
		threadpool.WithTickInterval(opts.TickInterval),
		threadpool.WithAlarmOptions(alarm.WithSlowThreshold(alarm.StressSlowThreshold)),
	}
	if kind == "wheel" {
		sysOpts = append(sysOpts, threadpool.WithWheel())
	}
	sys, err := threadpool.NewSystem(opts.poolConfig(), sysOpts...)
	if err != nil {
		return r, err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			logger.Error(err, "close system")
		}
	}()
	if err := metrics.Register(prometheus.WrapRegistererWith(prometheus.Labels{"scheduler": kind}, reg), "stress", sys); err != nil {
		return r, err
	}

	firings := ring.New[firing](opts.Buffer)
	expected := make([]int64, opts.Alarms)
	for i := range opts.Alarms {
		delay := rand.N(opts.MaxDelay + time.Millisecond)
		at := sys.Clock.ExactNow() + delay.Milliseconds()
		expected[i] = at
		alarm.ScheduleAt(sys.Scheduler, ctx, func(context.Context) {
			if !firings.Put(firing{id: i, at: sys.Clock.ExactNow()}, time.Second) {
				logger.Error(errors.New("firing buffer full"), "firing dropped", "alarm", i)
			}
		}, at, false)
	}
	logger.V(logging.VERBOSE).Info("alarms queued", "count", opts.Alarms, "queued", sys.Scheduler.Len())

	seen := make([]int, opts.Alarms)
	var totalLate int64
	deadline := time.Now().Add(opts.MaxDelay + opts.Slop + time.Second)
	for r.fired < opts.Alarms && time.Now().Before(deadline) {
		f, ok := firings.Take(10 * time.Millisecond)
		if !ok {
			if err := ctx.Err(); err != nil {
				return r, err
			}
			continue
		}
		if seen[f.id]++; seen[f.id] > 1 {
			r.duplicates++
			continue
		}
		r.fired++

		late := f.at - expected[f.id]
		switch {
		case late < 0:
			r.early++
		case late > opts.Slop.Milliseconds():
			r.late++
		}
		totalLate += max(late, 0)
		r.maxLateMs = max(r.maxLateMs, late)
	}

	// a duplicate would arrive after the last first firing
	time.Sleep(opts.Slop)
	for {
		f, ok := firings.Poll()
		if !ok {
			break
		}
		if seen[f.id]++; seen[f.id] > 1 {
			r.duplicates++
		}
	}
	for _, n := range seen {
		if n == 0 {
			r.lost++
		}
	}
	if r.fired > 0 {
		r.meanLateMs = float64(totalLate) / float64(r.fired)
	}
	r.stats = sys.Scheduler.Stats()
	r.pool = sys.Pool.Stats()
	return r, nil
}
