package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	TokensGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kllama_tokens_generated_total",
		Help: "The total number of tokens generated",
	})

	PromptTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kllama_prompt_tokens_total",
		Help: "The total number of prompt tokens prefilled",
	})

	GenerationDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "kllama_generation_duration_seconds",
		Help: "Duration of complete generation requests",
	})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kllama_forward_duration_seconds",
		Help:    "Duration of a single decoder forward pass",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	ContextPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kllama_context_position",
		Help: "Position of the most recent forward pass",
	})

	ContextLengthExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kllama_context_length_exceeded_total",
		Help: "Forward calls rejected because the context window is full",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kllama_kv_cache_capacity_bytes",
		Help: "Bytes allocated for the key/value cache",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kllama_kv_cache_used_bytes",
		Help: "Bytes of the key/value cache holding live positions",
	})

	KVCacheResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kllama_kv_cache_resets_total",
		Help: "Number of key/value cache resets",
	})

	SamplerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kllama_sampler_fallbacks_total",
		Help: "Sampling calls that returned a fallback token",
	}, []string{"reason"})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kllama_sampling_temperature",
		Help:    "Sampling temperature used",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 0.9, 1.0, 1.5, 2.0},
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kllama_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ScratchAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kllama_scratch_allocated_bytes",
		Help: "Bytes held by scratch arenas of live runtimes",
	})

	TokensPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kllama_generation_tokens_per_second",
		Help: "Rolling tokens per second of the most recent generation",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kllama_active_sessions",
		Help: "Generation sessions currently holding a runtime",
	})

	TokenizerEncodeLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kllama_tokenizer_encode_length",
		Help:    "Length of encoded token sequences",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 2000, 5000},
	})

	TokenizerUnknownTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kllama_tokenizer_unknown_tokens_total",
		Help: "Input fragments that had no vocabulary entry",
	})
)

func RecordInference(tokens int, duration time.Duration) {
	TokensGeneratedTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	GenerationDuration.Observe(duration.Seconds())
}

// TotalTokens returns the number of generated tokens recorded by this process.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordPromptTokens(n int) {
	PromptTokensTotal.Add(float64(n))
}

func RecordForward(position int, duration time.Duration) {
	ContextPosition.Set(float64(position))
	ForwardDuration.Observe(duration.Seconds())
}

func RecordContextLengthExceeded() {
	ContextLengthExceeded.Inc()
}

// RecordKVCacheStats records KV cache capacity and usage
func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordKVCacheReset() {
	KVCacheResets.Inc()
	KVCacheUsedBytes.Set(0)
}

func RecordSamplerFallback(reason string) {
	SamplerFallbacks.WithLabelValues(reason).Inc()
}

func RecordSamplingTemperature(temp float64) {
	SamplingTemperature.Observe(temp)
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

// RecordScratchMemory adjusts the scratch gauge by delta bytes.
func RecordScratchMemory(delta int64) {
	ScratchAllocatedBytes.Add(float64(delta))
}

func RecordTokensPerSecond(tps float64) {
	TokensPerSecond.Set(tps)
}

func SessionStarted() {
	ActiveSessions.Inc()
}

func SessionFinished() {
	ActiveSessions.Dec()
}

// RecordTokenizerEncode records tokenizer encoding metrics
func RecordTokenizerEncode(length int, unknownCount int) {
	TokenizerEncodeLength.Observe(float64(length))
	if unknownCount > 0 {
		TokenizerUnknownTokens.Add(float64(unknownCount))
	}
}
