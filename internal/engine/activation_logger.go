package engine

import (
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/23skdu/longbow-kllama/internal/cpu"
	"github.com/23skdu/longbow-kllama/internal/metrics"
)

const sampleLen = 10

// ActivationLog stores layer-by-layer activations for debugging
type ActivationLog struct {
	Prompt      string             `json:"prompt"`
	Tokens      []int              `json:"tokens"`
	Embedding   []float32          `json:"embedding"` // First 100 values of the first token
	Layers      []LayerLog         `json:"layers"`
	FinalLogits map[string]float32 `json:"final_logits"` // Top 10 of the last forward
}

// LayerLog captures activations for a single transformer layer at one position
type LayerLog struct {
	Idx        int       `json:"idx"`
	Pos        int       `json:"pos"`
	QMax       float32   `json:"q_max"`
	KMax       float32   `json:"k_max"`
	VMax       float32   `json:"v_max"`
	AttnOutMax float32   `json:"attn_out_max"`
	FFNOutMax  float32   `json:"ffn_out_max"`
	FFNOutRMS  float32   `json:"ffn_out_rms"`
	QSample    []float32 `json:"q_sample"`
	KSample    []float32 `json:"k_sample"`
	VSample    []float32 `json:"v_sample"`

	NaNCount int `json:"nan_count"`
	InfCount int `json:"inf_count"`
}

// ActivationLogger manages activation logging during inference. A nil
// *ActivationLogger is valid and disabled.
type ActivationLogger struct {
	enabled bool
	log     *ActivationLog
}

func NewActivationLogger() *ActivationLogger {
	return &ActivationLogger{}
}

// Enable turns on activation logging
func (al *ActivationLogger) Enable(prompt string, tokens []int) {
	al.enabled = true
	al.log = &ActivationLog{
		Prompt:      prompt,
		Tokens:      append([]int(nil), tokens...),
		Layers:      make([]LayerLog, 0),
		FinalLogits: make(map[string]float32),
	}
}

func (al *ActivationLogger) Disable() {
	al.enabled = false
}

func (al *ActivationLogger) IsEnabled() bool {
	return al != nil && al.enabled
}

// LogEmbedding captures the embedding of the first logged token
func (al *ActivationLogger) LogEmbedding(data []float32) {
	if !al.IsEnabled() || len(al.log.Embedding) > 0 {
		return
	}
	limit := min(100, len(data))
	al.log.Embedding = append([]float32(nil), data[:limit]...)
}

// LogLayer captures layer activations and reports NaN/Inf values to metrics
func (al *ActivationLogger) LogLayer(idx, pos int, q, k, v, attn, ffn []float32) {
	if !al.IsEnabled() {
		return
	}
	layer := LayerLog{
		Idx:        idx,
		Pos:        pos,
		QMax:       maxAbs(q),
		KMax:       maxAbs(k),
		VMax:       maxAbs(v),
		AttnOutMax: maxAbs(attn),
		FFNOutMax:  maxAbs(ffn),
		FFNOutRMS:  rms(ffn),
		QSample:    sample(q),
		KSample:    sample(k),
		VSample:    sample(v),
	}
	for name, data := range map[string][]float32{"q": q, "k": k, "v": v, "attn_out": attn, "ffn_out": ffn} {
		nan, inf := cpu.CountNonFinite(data)
		layer.NaNCount += nan
		layer.InfCount += inf
		metrics.RecordNumericalInstability(name, nan, inf)
	}
	al.log.Layers = append(al.log.Layers, layer)
}

// LogLogits keeps the ten largest logits of the most recent forward
func (al *ActivationLogger) LogLogits(logits []float32) {
	if !al.IsEnabled() {
		return
	}
	nan, inf := cpu.CountNonFinite(logits)
	metrics.RecordNumericalInstability("logits", nan, inf)

	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })

	al.log.FinalLogits = make(map[string]float32, sampleLen)
	for _, i := range idx[:min(sampleLen, len(idx))] {
		al.log.FinalLogits[strconv.Itoa(i)] = logits[i]
	}
}

// Log returns the captured activations, or nil when logging was never enabled.
func (al *ActivationLogger) Log() *ActivationLog {
	if al == nil {
		return nil
	}
	return al.log
}

func (al *ActivationLogger) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(al.Log())
}

func (al *ActivationLogger) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return al.WriteJSON(f)
}

func maxAbs(data []float32) float32 {
	var m float32
	for _, v := range data {
		if a := float32(math.Abs(float64(v))); a > m {
			m = a
		}
	}
	return m
}

func rms(data []float32) float32 {
	if len(data) == 0 {
		return 0
	}
	var ss float64
	for _, v := range data {
		ss += float64(v) * float64(v)
	}
	return float32(math.Sqrt(ss / float64(len(data))))
}

func sample(data []float32) []float32 {
	return append([]float32(nil), data[:min(sampleLen, len(data))]...)
}
