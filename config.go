package threadpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/aradilov/threadpool/internal/logging"
)

const (
	DefaultThreadMax       = 8192
	DefaultIdleMin         = 16
	DefaultIdleMax         = 1024
	DefaultExecutorTaskMax = 16
	DefaultIdleTimeout     = time.Minute
	DefaultPriorityTimeout = 10 * time.Millisecond
	DefaultOverflowWindow  = 30 * time.Second
	DefaultThrottleLimit   = 100
	DefaultThrottlePeriod  = 10 * time.Millisecond

	// UnlimitedExecutorTasks disables the executor ceiling.
	UnlimitedExecutorTasks = -1
)

// Config sizes a Pool. Zero values select the defaults above; IdleMax defaults to
// min(DefaultIdleMax, ThreadMax) and IdleMin to min(DefaultIdleMin, IdleMax).
type Config struct {
	ThreadMax int
	IdleMin   int
	IdleMax   int
	// PriorityIdleMin is the number of workers held back for priority tasks: normal tasks start
	// only while fewer than ThreadMax-PriorityIdleMin tasks are running.
	PriorityIdleMin int
	// ExecutorTaskMax caps concurrently running ScheduleExecutorTask tasks.
	ExecutorTaskMax int

	IdleTimeout     time.Duration
	PriorityTimeout time.Duration
	// OverflowWindow is the minimum time between two refills of the idle minimum.
	OverflowWindow time.Duration

	// ThrottleLimit workers may be created per ThrottlePeriod.
	ThrottleLimit  int
	ThrottlePeriod time.Duration
}

// ConfigError reports a rejected configuration value. Values are never clamped.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("threadpool: invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// WithDefaults returns c with every zero field replaced by its default.
func (c Config) WithDefaults() Config {
	if c.ThreadMax == 0 {
		c.ThreadMax = DefaultThreadMax
	}
	if c.IdleMax == 0 {
		c.IdleMax = min(DefaultIdleMax, c.ThreadMax)
	}
	if c.IdleMin == 0 {
		c.IdleMin = min(DefaultIdleMin, c.IdleMax)
	}
	if c.ExecutorTaskMax == 0 {
		c.ExecutorTaskMax = DefaultExecutorTaskMax
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PriorityTimeout == 0 {
		c.PriorityTimeout = DefaultPriorityTimeout
	}
	if c.OverflowWindow == 0 {
		c.OverflowWindow = DefaultOverflowWindow
	}
	if c.ThrottleLimit == 0 {
		c.ThrottleLimit = DefaultThrottleLimit
	}
	if c.ThrottlePeriod == 0 {
		c.ThrottlePeriod = DefaultThrottlePeriod
	}
	return c
}

// Validate checks every field and the relations between them once defaults are applied, so the
// zero Config is valid.
func (c Config) Validate() error {
	return c.WithDefaults().validate()
}

func (c Config) validate() error {
	switch {
	case c.ThreadMax <= 0:
		return &ConfigError{"ThreadMax", c.ThreadMax, "must be positive"}
	case c.IdleMax < 0:
		return &ConfigError{"IdleMax", c.IdleMax, "must not be negative"}
	case c.IdleMax > c.ThreadMax:
		return &ConfigError{"IdleMax", c.IdleMax, fmt.Sprintf("must not exceed ThreadMax=%d", c.ThreadMax)}
	case c.IdleMin < 0:
		return &ConfigError{"IdleMin", c.IdleMin, "must not be negative"}
	case c.IdleMin > c.IdleMax:
		return &ConfigError{"IdleMin", c.IdleMin, fmt.Sprintf("must not exceed IdleMax=%d", c.IdleMax)}
	case c.PriorityIdleMin < 0:
		return &ConfigError{"PriorityIdleMin", c.PriorityIdleMin, "must not be negative"}
	case c.PriorityIdleMin >= c.ThreadMax:
		return &ConfigError{"PriorityIdleMin", c.PriorityIdleMin, fmt.Sprintf("must be below ThreadMax=%d", c.ThreadMax)}
	case c.ExecutorTaskMax != UnlimitedExecutorTasks && c.ExecutorTaskMax <= 0:
		return &ConfigError{"ExecutorTaskMax", c.ExecutorTaskMax, "must be positive or -1 for unlimited"}
	case c.IdleTimeout <= 0:
		return &ConfigError{"IdleTimeout", c.IdleTimeout, "must be positive"}
	case c.PriorityTimeout <= 0:
		return &ConfigError{"PriorityTimeout", c.PriorityTimeout, "must be positive"}
	case c.OverflowWindow <= 0:
		return &ConfigError{"OverflowWindow", c.OverflowWindow, "must be positive"}
	case c.ThrottleLimit <= 0:
		return &ConfigError{"ThrottleLimit", c.ThrottleLimit, "must be positive"}
	case c.ThrottlePeriod <= 0:
		return &ConfigError{"ThrottlePeriod", c.ThrottlePeriod, "must be positive"}
	}
	return nil
}

// SetThreadMax changes the worker ceiling. Running workers above the new ceiling finish their
// task and exit once idle workers exceed IdleMax.
func (p *Pool) SetThreadMax(n int) error {
	return p.update("ThreadMax", n, func(c *Config) { c.ThreadMax = n })
}

func (p *Pool) SetIdleMin(n int) error {
	return p.update("IdleMin", n, func(c *Config) { c.IdleMin = n })
}

func (p *Pool) SetIdleMax(n int) error {
	return p.update("IdleMax", n, func(c *Config) { c.IdleMax = n })
}

func (p *Pool) SetPriorityIdleMin(n int) error {
	return p.update("PriorityIdleMin", n, func(c *Config) { c.PriorityIdleMin = n })
}

// SetExecutorTaskMax changes the executor ceiling. Raising it starts chained tasks at once.
func (p *Pool) SetExecutorTaskMax(n int) error {
	return p.update("ExecutorTaskMax", n, func(c *Config) { c.ExecutorTaskMax = n })
}

func (p *Pool) SetIdleTimeout(d time.Duration) error {
	return p.update("IdleTimeout", d, func(c *Config) { c.IdleTimeout = d })
}

func (p *Pool) SetPriorityTimeout(d time.Duration) error {
	return p.update("PriorityTimeout", d, func(c *Config) { c.PriorityTimeout = d })
}

// update applies fn to a copy of the live config and installs it if it validates. A conflict
// with another field is reported against the field being set.
func (p *Pool) update(field string, value any, fn func(*Config)) error {
	p.mu.Lock()
	c := p.cfg
	fn(&c)
	if err := c.validate(); err != nil {
		p.mu.Unlock()
		var ce *ConfigError
		if errors.As(err, &ce) && ce.Field != field {
			err = &ConfigError{field, value, fmt.Sprintf("conflicts with %s=%v: %s", ce.Field, ce.Value, ce.Reason)}
		}
		p.logger.V(logging.DEBUG).Info("configuration rejected", "err", err.Error())
		return err
	}
	p.cfg = c
	p.execMax.Store(int64(c.ExecutorTaskMax))
	running := p.started && !p.stopped
	if running {
		p.dispatch()
	}
	p.mu.Unlock()

	p.pumpExecutor()
	if running {
		p.launcher.Wake()
	}
	p.logger.V(logging.VERBOSE).Info("configuration changed", "field", field, "value", value)
	return nil
}
