package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a run profile for cmd/kllama. It is loaded from YAML and can be
// overridden field by field by flags and KLLAMA_* environment variables.
type Profile struct {
	Log      LogProfile      `yaml:"log"`
	Model    ModelProfile    `yaml:"model"`
	Sampling SamplingProfile `yaml:"sampling"`
	Metrics  MetricsProfile  `yaml:"metrics"`
	Trace    TraceProfile    `yaml:"trace"`
}

type LogProfile struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelProfile describes the geometry of the synthetic model the CLI builds.
type ModelProfile struct {
	Dim       int     `yaml:"dim"`
	HiddenDim int     `yaml:"hidden_dim"`
	Layers    int     `yaml:"layers"`
	Heads     int     `yaml:"heads"`
	KVHeads   int     `yaml:"kv_heads"`
	VocabSize int     `yaml:"vocab_size"`
	SeqLen    int     `yaml:"seq_len"`
	RopeTheta float32 `yaml:"rope_theta"`
	Seed      int64   `yaml:"seed"`
	// DType is the storage precision: "f32" or "f16".
	DType string `yaml:"dtype"`
}

type SamplingProfile struct {
	Temperature   float64 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
	MaxNewTokens  int     `yaml:"max_new_tokens"`
	Seed          int64   `yaml:"seed"`
}

type MetricsProfile struct {
	Addr string `yaml:"addr"`
}

type TraceProfile struct {
	Path       string `yaml:"path"`
	FlightAddr string `yaml:"flight_addr"`
}

func DefaultProfile() Profile {
	return Profile{
		Log: LogProfile{Level: "info", Format: "console"},
		Model: ModelProfile{
			Dim:       64,
			HiddenDim: 172,
			Layers:    2,
			Heads:     4,
			KVHeads:   2,
			VocabSize: 256,
			SeqLen:    256,
			RopeTheta: 10000.0,
			Seed:      42,
			DType:     "f32",
		},
		Sampling: SamplingProfile{
			Temperature:   0.7,
			TopK:          40,
			TopP:          0.9,
			RepeatPenalty: 1.1,
			MaxNewTokens:  64,
			Seed:          1,
		},
	}
}

// LoadProfile reads a YAML profile on top of DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return p, nil
}

// ModelConfig converts the model section into a normalized Config.
func (p Profile) ModelConfig() Config {
	c := Default()
	c.Dim = p.Model.Dim
	c.HiddenDim = p.Model.HiddenDim
	c.Layers = p.Model.Layers
	c.Heads = p.Model.Heads
	c.KVHeads = p.Model.KVHeads
	c.VocabSize = p.Model.VocabSize
	if p.Model.SeqLen > 0 {
		c.SeqLen = p.Model.SeqLen
	}
	if p.Model.RopeTheta > 0 {
		c.RopeTheta = p.Model.RopeTheta
	}
	c.Normalize()
	return c
}
