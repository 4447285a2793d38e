package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Condition decides whether a scheduled task may run now.
type Condition interface {
	Ready(ctx context.Context) (bool, error)
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(ctx context.Context) (bool, error)

// Ready implements Condition.
func (f ConditionFunc) Ready(ctx context.Context) (bool, error) { return f(ctx) }

// Always is a condition that is always ready.
var Always Condition = ConditionFunc(func(context.Context) (bool, error) { return true, nil })

// DefaultIdleThreshold is the CPU utilisation below which the system
// counts as idle.
const DefaultIdleThreshold = 0.20

// CPUIdle is ready when aggregate CPU utilisation since the previous
// sample is below a threshold. It reads /proc/stat, so it only works on
// Linux. The first sample only records a baseline and is never ready.
type CPUIdle struct {
	threshold float64
	statPath  string

	mu   sync.Mutex
	prev cpuSample
	have bool
	last float64
}

type cpuSample struct {
	idle, total uint64
}

// CPUIdleOption configures a CPUIdle condition.
type CPUIdleOption func(*CPUIdle)

// WithStatPath reads CPU counters from path instead of /proc/stat.
func WithStatPath(path string) CPUIdleOption {
	return func(c *CPUIdle) {
		c.statPath = path
	}
}

// NewCPUIdle creates a CPU idle condition. threshold is a fraction in
// (0,1].
func NewCPUIdle(threshold float64, opts ...CPUIdleOption) (*CPUIdle, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("idle threshold must be within (0,1], got %v", threshold)
	}
	c := &CPUIdle{threshold: threshold, statPath: "/proc/stat"}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ready samples CPU counters and compares utilisation since the last
// sample against the threshold.
func (c *CPUIdle) Ready(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s, err := readCPUSample(c.statPath)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.prev, c.have
	c.prev, c.have = s, true
	if !had || s.total <= prev.total {
		return false, nil
	}

	idle := float64(s.idle-prev.idle) / float64(s.total-prev.total)
	c.last = 1 - idle
	return c.last < c.threshold, nil
}

// LastUtilisation returns the utilisation computed by the last ready
// check, in [0,1].
func (c *CPUIdle) LastUtilisation() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// readCPUSample parses the aggregate "cpu" line. Idle time includes iowait;
// guest time is already counted in user and nice.
func readCPUSample(path string) (cpuSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return cpuSample{}, fmt.Errorf("reading cpu stats: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		if len(fields) < 5 {
			return cpuSample{}, fmt.Errorf("malformed cpu line in %s", path)
		}
		var s cpuSample
		for i, field := range fields[1:] {
			if i >= 8 {
				break
			}
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return cpuSample{}, fmt.Errorf("parsing cpu counter %q: %w", field, err)
			}
			s.total += v
			if i == 3 || i == 4 {
				s.idle += v
			}
		}
		return s, nil
	}
	if err := sc.Err(); err != nil {
		return cpuSample{}, fmt.Errorf("reading cpu stats: %w", err)
	}
	return cpuSample{}, fmt.Errorf("no aggregate cpu line in %s", path)
}
