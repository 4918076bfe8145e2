package inference

import "time"

// DefaultStatsWindow is the number of recent tokens the live rate is taken over.
const DefaultStatsWindow = 10

// Statistics is a snapshot of one generation.
type Statistics struct {
	TokensGenerated int           `json:"tokens_generated"`
	TokensPerSecond float64       `json:"tokens_per_second"`
	TotalTime       time.Duration `json:"total_time"`
	PromptTokens    int           `json:"prompt_tokens"`
}

// StatisticsCollector tracks token timing with a rolling window.
// It is not safe for concurrent use.
type StatisticsCollector struct {
	window     int
	now        func() time.Time
	timestamps []time.Time
	tokens     int
	prompt     int
	started    time.Time
}

// NewStatisticsCollector returns a collector over the last window tokens.
// A nil clock uses time.Now.
func NewStatisticsCollector(window int, clock func() time.Time) *StatisticsCollector {
	if window < 2 {
		window = DefaultStatsWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &StatisticsCollector{window: window, now: clock}
}

func (c *StatisticsCollector) Start(promptTokens int) {
	c.timestamps = c.timestamps[:0]
	c.tokens = 0
	c.prompt = promptTokens
	c.started = c.now()
}

func (c *StatisticsCollector) RecordToken() {
	c.tokens++
	c.timestamps = append(c.timestamps, c.now())
	if len(c.timestamps) > c.window {
		c.timestamps = c.timestamps[1:]
	}
}

// CurrentTPS is the rate across the window; zero until two tokens are seen.
func (c *StatisticsCollector) CurrentTPS() float64 {
	if len(c.timestamps) < 2 {
		return 0
	}
	span := c.timestamps[len(c.timestamps)-1].Sub(c.timestamps[0])
	if span <= 0 {
		return 0
	}
	return float64(len(c.timestamps)-1) / span.Seconds()
}

// AverageTPS is the rate since Start.
func (c *StatisticsCollector) AverageTPS() float64 {
	elapsed := c.Elapsed()
	if elapsed <= 0 || c.tokens == 0 {
		return 0
	}
	return float64(c.tokens) / elapsed.Seconds()
}

func (c *StatisticsCollector) Elapsed() time.Duration {
	if c.started.IsZero() {
		return 0
	}
	return c.now().Sub(c.started)
}

func (c *StatisticsCollector) Tokens() int { return c.tokens }

func (c *StatisticsCollector) Build() Statistics {
	return Statistics{
		TokensGenerated: c.tokens,
		TokensPerSecond: c.CurrentTPS(),
		TotalTime:       c.Elapsed(),
		PromptTokens:    c.prompt,
	}
}

func (c *StatisticsCollector) Reset() {
	c.timestamps = c.timestamps[:0]
	c.tokens = 0
	c.prompt = 0
	c.started = time.Time{}
}
