package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/23skdu/longbow-kllama/internal/arrow_client"
	"github.com/23skdu/longbow-kllama/internal/chat"
	"github.com/23skdu/longbow-kllama/internal/config"
	"github.com/23skdu/longbow-kllama/internal/engine"
	"github.com/23skdu/longbow-kllama/internal/inference"
	"github.com/23skdu/longbow-kllama/internal/logger"
	"github.com/23skdu/longbow-kllama/internal/monitoring"
	"github.com/23skdu/longbow-kllama/internal/tokenizer"
	"github.com/23skdu/longbow-kllama/internal/trace"
	"github.com/23skdu/longbow-kllama/internal/weights"
)

const envVarPrefix = "KLLAMA"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, slices.Clone(os.Args[1:]), os.Stdout); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "kllama: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	vocabPath   string
	prompt      string
	system      string
	format      string
	sessions    int
	activations string
	wait        bool

	profile config.Profile
}

// profilePath finds -config among args or in the environment so the profile
// can seed flag defaults before the full parse.
func profilePath(args []string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv(envVarPrefix + "_CONFIG")
}

func parseFlags(args []string) (*options, error) {
	o := &options{profile: config.DefaultProfile()}
	if path := profilePath(args); path != "" {
		prof, err := config.LoadProfile(path)
		if err != nil {
			return nil, err
		}
		o.profile = prof
	}
	p := &o.profile

	fs := flag.NewFlagSet("kllama", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML run profile")
	fs.StringVar(&o.vocabPath, "vocab", "", "JSON token list; the byte tokenizer is used when empty")
	fs.StringVar(&o.prompt, "prompt", "Hello", "User message to answer")
	fs.StringVar(&o.system, "system", chat.DefaultSystemPrompt, "System prompt")
	fs.StringVar(&o.format, "format", "chatml", "Prompt format: chatml, llama2 or simple")
	fs.IntVar(&o.sessions, "sessions", 1, "Number of concurrent sessions")
	fs.StringVar(&o.activations, "activations", "", "Write a per-layer activation dump to this JSON file (single session only)")
	fs.BoolVar(&o.wait, "wait", false, "Keep serving metrics after generation until interrupted")

	fs.StringVar(&p.Log.Level, "log-level", p.Log.Level, "Log level")
	fs.StringVar(&p.Log.Format, "log-format", p.Log.Format, "Log format: console or json")
	fs.Int64Var(&p.Model.Seed, "model-seed", p.Model.Seed, "Seed for the synthetic weights")
	fs.StringVar(&p.Model.DType, "dtype", p.Model.DType, "Weight precision: f32 or f16")
	fs.IntVar(&p.Model.SeqLen, "seq-len", p.Model.SeqLen, "Context length")
	fs.Float64Var(&p.Sampling.Temperature, "temperature", p.Sampling.Temperature, "Sampling temperature; 0 is greedy")
	fs.IntVar(&p.Sampling.TopK, "top-k", p.Sampling.TopK, "Top-k cutoff; 0 keeps the whole vocabulary")
	fs.Float64Var(&p.Sampling.TopP, "top-p", p.Sampling.TopP, "Nucleus probability mass")
	fs.IntVar(&p.Sampling.MaxNewTokens, "max-tokens", p.Sampling.MaxNewTokens, "Maximum new tokens per reply")
	fs.Int64Var(&p.Sampling.Seed, "seed", p.Sampling.Seed, "Sampler seed")
	fs.StringVar(&p.Metrics.Addr, "metrics-addr", p.Metrics.Addr, "Serve /health and /metrics on this address")
	fs.StringVar(&p.Trace.Path, "trace", p.Trace.Path, "Write the generation trace as an Arrow IPC stream")
	fs.StringVar(&p.Trace.FlightAddr, "flight", p.Trace.FlightAddr, "Push the generation trace to this Arrow Flight server")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(envVarPrefix)); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fs.Usage()
		}
		return nil, err
	}
	if o.sessions < 1 {
		return nil, fmt.Errorf("invalid -sessions %d", o.sessions)
	}
	return o, nil
}

func loadTokenizer(path string) (tokenizer.Tokenizer, error) {
	if path == "" {
		return tokenizer.NewByte(), nil
	}
	vt, err := tokenizer.LoadVocab(path)
	if err != nil {
		return nil, err
	}
	return vt, nil
}

// buildModel materializes synthetic weights for the profile geometry with
// precomputed rotary tables. With dtype f16 the tensors carry half precision.
func buildModel(p config.Profile) (*weights.ModelWeights, error) {
	cfg := p.ModelConfig()
	w, err := weights.NewRandom(cfg, p.Model.Seed)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(p.Model.DType) {
	case "", "f32":
	case "f16":
		if err := w.RoundToFloat16(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown dtype %q", p.Model.DType)
	}
	w.RoPECos, w.RoPESin = engine.PrecomputeRoPETables(w.Config.SeqLen, w.Config.RopeDim, float64(w.Config.RopeTheta))
	return w, nil
}

func samplerConfig(p config.SamplingProfile) engine.SamplerConfig {
	return engine.SamplerConfig{
		Temperature:   p.Temperature,
		TopK:          p.TopK,
		TopP:          p.TopP,
		RepeatPenalty: p.RepeatPenalty,
		MaxNewTokens:  p.MaxNewTokens,
		Seed:          p.Seed,
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	p := o.profile

	if _, err := logger.ParseLevel(p.Log.Level); err != nil {
		return err
	}
	logger.Setup(p.Log.Level, p.Log.Format)
	log := logger.Log.With("component", "kllama")

	format, err := chat.FormatterByName(o.format)
	if err != nil {
		return err
	}
	tok, err := loadTokenizer(o.vocabPath)
	if err != nil {
		return err
	}
	w, err := buildModel(p)
	if err != nil {
		return err
	}
	log.Info("Model ready",
		"dim", w.Config.Dim,
		"layers", w.Config.Layers,
		"heads", w.Config.Heads,
		"kv_heads", w.Config.KVHeads,
		"vocab", w.Config.VocabSize,
		"seq_len", w.Config.SeqLen,
		"dtype", p.Model.DType,
	)

	hm := monitoring.NewHealthMonitor()
	hm.SetModel(w.Config)
	if p.Metrics.Addr != "" {
		addr, err := hm.Start(p.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		log.Info("Metrics serving", "url", fmt.Sprintf("http://%s/metrics", addr))
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hm.Shutdown(sctx)
		}()
	}

	var runtimeOpts []engine.Option
	var al *engine.ActivationLogger
	if o.activations != "" {
		if o.sessions > 1 {
			return fmt.Errorf("-activations needs -sessions 1")
		}
		al = engine.NewActivationLogger()
		al.Enable(o.prompt, nil)
		runtimeOpts = append(runtimeOpts, engine.WithActivationLogger(al))
	}

	pool, err := inference.NewPool(w, tok, o.sessions, runtimeOpts...)
	if err != nil {
		return err
	}

	engineOpts := []inference.EngineOption{inference.WithFormatter(format)}
	var rec *trace.Recorder
	if p.Trace.Path != "" || p.Trace.FlightAddr != "" {
		rec = trace.NewRecorder(nil)
		defer rec.Release()
		engineOpts = append(engineOpts, inference.WithRecorder(rec))
	}

	var outMu sync.Mutex
	stream := o.sessions == 1
	base := samplerConfig(p.Sampling)

	err = pool.RunAll(ctx, o.sessions, func(ctx context.Context, idx int, e *inference.Engine) error {
		session := chat.NewSession(o.system)
		session.Add(chat.RoleUser, o.prompt)

		cfg := base
		if cfg.Seed != 0 {
			cfg.Seed += int64(idx)
		}

		hm.SessionStarted()
		stats, err := e.Generate(ctx, session, cfg, func(t inference.GeneratedToken) error {
			if stream {
				outMu.Lock()
				defer outMu.Unlock()
				_, err := io.WriteString(stdout, t.Text)
				return err
			}
			return nil
		})
		hm.SessionFinished(err)
		if err != nil {
			return fmt.Errorf("session %d: %w", idx, err)
		}
		hm.RecordInference(stats.TokensGenerated, stats.TotalTime)

		outMu.Lock()
		defer outMu.Unlock()
		if stream {
			fmt.Fprintln(stdout)
		} else {
			reply := session.Messages[len(session.Messages)-1].Content
			fmt.Fprintf(stdout, "[%d] %s\n", idx, strings.TrimSpace(reply))
		}
		log.Info("Session complete",
			"session", session.ID,
			"tokens", stats.TokensGenerated,
			"prompt_tokens", stats.PromptTokens,
			"elapsed", stats.TotalTime.String(),
			"tokens_per_second", stats.TokensPerSecond,
		)
		return nil
	}, engineOpts...)
	if err != nil {
		return err
	}

	if al != nil {
		if err := al.SaveToFile(o.activations); err != nil {
			return err
		}
		log.Info("Activation dump written", "path", o.activations)
	}

	if rec != nil {
		if err := shipTrace(ctx, rec, p.Trace); err != nil {
			return err
		}
	}

	if o.wait && p.Metrics.Addr != "" {
		log.Info("Generation done; serving metrics until interrupted")
		<-ctx.Done()
	}
	return nil
}

func shipTrace(ctx context.Context, rec *trace.Recorder, tp config.TraceProfile) error {
	r := rec.NewRecord()
	defer r.Release()

	if tp.Path != "" {
		f, err := os.Create(tp.Path)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		if err := trace.WriteIPC(f, r); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		logger.Log.Info("Trace written", "path", tp.Path, "steps", r.NumRows())
	}

	if tp.FlightAddr != "" {
		client := arrow_client.NewFlightClientAddr(tp.FlightAddr)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
		if err := client.DoPut(ctx, r); err != nil {
			return err
		}
		logger.Log.Info("Trace pushed", "addr", tp.FlightAddr, "steps", r.NumRows())
	}
	return nil
}
