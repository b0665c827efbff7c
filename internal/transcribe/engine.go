// Package transcribe turns a recording into timed subtitle segments using
// ffmpeg for decoding and the whisper.cpp CLI for inference.
package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/stt-worker/internal/subtitle"
)

// Pipeline stages reported by PipelineError.
const (
	StageLoad       = "loading"
	StagePreprocess = "preprocessing"
	StageTranscribe = "transcribing"
	StageParse      = "parsing"
)

// Config holds engine configuration
type Config struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	WhisperPath string `yaml:"whisper_path"`
	// ModelPath is either a model file or a directory holding ggml models.
	ModelPath   string `yaml:"model_path"`
	ModelSize   string `yaml:"model_size"`
	Device      string `yaml:"device"`
	ComputeType string `yaml:"compute_type"`
	BatchSize   int    `yaml:"batch_size"`
	Threads     int    `yaml:"threads"`
	Language    string `yaml:"language"`
}

// whisperOutput is the subset of the whisper.cpp -oj file that is read.
type whisperOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// Engine is the process-wide transcription engine. Load resolves the model
// exactly once; Transcribe may then be called for every job.
type Engine struct {
	cfg      Config
	runner   commandRunner
	logger   *slog.Logger
	lookPath func(file string) (string, error)
	stat     func(name string) (os.FileInfo, error)
	readDir  func(name string) ([]os.DirEntry, error)
	readFile func(name string) ([]byte, error)

	once      sync.Once
	modelPath string
	loadErr   error
}

// NewEngine creates an engine that shells out through os/exec.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return newEngine(cfg, &execRunner{}, logger)
}

func newEngine(cfg Config, runner commandRunner, logger *slog.Logger) *Engine {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.WhisperPath == "" {
		cfg.WhisperPath = "whisper-cli"
	}
	if cfg.ModelPath == "" {
		cfg.ModelPath = "model"
	}
	return &Engine{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		readDir:  os.ReadDir,
		readFile: os.ReadFile,
	}
}

// Load verifies the executables and resolves the model file. Only the first
// call does any work; later calls return the first result.
func (e *Engine) Load() error {
	e.once.Do(func() {
		e.logger.Info("Loading transcription model...",
			slog.String("model_path", e.cfg.ModelPath),
			slog.String("model_size", e.cfg.ModelSize),
			slog.String("device", e.cfg.Device),
		)
		start := time.Now()

		for _, bin := range []string{e.cfg.FFmpegPath, e.cfg.WhisperPath} {
			if _, err := e.lookPath(bin); err != nil {
				e.loadErr = &PipelineError{
					Stage:   StageLoad,
					Message: fmt.Sprintf("executable not found: %s", bin),
					Err:     err,
				}
				return
			}
		}

		modelPath, err := e.resolveModelPath()
		if err != nil {
			e.loadErr = &PipelineError{Stage: StageLoad, Message: err.Error(), Err: err}
			return
		}
		e.modelPath = modelPath

		e.logger.Info("Model loaded.",
			slog.String("model", modelPath),
			slog.Duration("duration", time.Since(start)),
		)
	})
	return e.loadErr
}

// Transcribe decodes audioPath to 16 kHz mono PCM next to the input and runs
// whisper.cpp over it. Intermediate files are left in the input's directory
// for the caller to remove.
func (e *Engine) Transcribe(ctx context.Context, audioPath string) ([]subtitle.Segment, error) {
	if err := e.Load(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(audioPath)
	wavPath := filepath.Join(dir, "audio-16k-mono.wav")

	args := buildFFmpegArgs(audioPath, wavPath)
	if err := e.run(ctx, StagePreprocess, "ffmpeg audio conversion failed", e.cfg.FFmpegPath, args); err != nil {
		return nil, err
	}
	if _, err := e.stat(wavPath); err != nil {
		return nil, &PipelineError{
			Stage:   StagePreprocess,
			Message: "ffmpeg completed but output file is missing",
			Err:     err,
		}
	}

	outBase := filepath.Join(dir, "transcript")
	args = e.buildWhisperArgs(wavPath, outBase)
	if err := e.run(ctx, StageTranscribe, "whisper.cpp transcription failed", e.cfg.WhisperPath, args); err != nil {
		return nil, err
	}

	raw, err := e.readFile(outBase + ".json")
	if err != nil {
		return nil, &PipelineError{
			Stage:   StageParse,
			Message: "whisper.cpp completed but transcript .json file is missing",
			Err:     err,
		}
	}

	segments, err := parseSegments(raw)
	if err != nil {
		return nil, &PipelineError{Stage: StageParse, Message: "invalid whisper.cpp json output", Err: err}
	}

	e.logger.Debug("Transcription finished",
		slog.String("audio", audioPath),
		slog.Int("segments", len(segments)),
	)
	return segments, nil
}

func (e *Engine) run(ctx context.Context, stage, failure, name string, args []string) error {
	e.logger.Debug("Running command",
		slog.String("stage", stage),
		slog.String("command", name),
		slog.String("args", strings.Join(args, " ")),
	)

	result, err := e.runner.Run(ctx, name, args...)
	if err == nil {
		return nil
	}

	message := failure
	if tail := lastLine(result.Stderr); tail != "" {
		message += ": " + tail
	}
	return &PipelineError{
		Stage:   stage,
		Message: message,
		CommandLog: CommandLog{
			Command:  name,
			Args:     args,
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
		},
		Err: err,
	}
}

// resolveModelPath returns the model file for the configured path. A
// directory is searched for ggml-<size>[-<compute>] models first, then for
// any .bin or .gguf file in name order.
func (e *Engine) resolveModelPath() (string, error) {
	modelPath := strings.TrimSpace(e.cfg.ModelPath)

	info, err := e.stat(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	entries, err := e.readDir(modelPath)
	if err != nil {
		return "", fmt.Errorf("cannot read model directory: %s", modelPath)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .bin or .gguf model files found in: %s", modelPath)
	}
	sort.Strings(names)

	for _, want := range preferredModelNames(e.cfg.ModelSize, e.cfg.ComputeType) {
		for _, name := range names {
			if strings.EqualFold(strings.TrimSuffix(name, filepath.Ext(name)), want) {
				return filepath.Join(modelPath, name), nil
			}
		}
	}
	if e.cfg.ModelSize != "" {
		return "", fmt.Errorf("no model for size %q found in: %s", e.cfg.ModelSize, modelPath)
	}
	return filepath.Join(modelPath, names[0]), nil
}

func preferredModelNames(size, computeType string) []string {
	size = strings.TrimSpace(size)
	if size == "" {
		return nil
	}
	var names []string
	if ct := strings.TrimSpace(computeType); ct != "" && !strings.EqualFold(ct, "default") {
		names = append(names, "ggml-"+size+"-"+ct)
	}
	return append(names, "ggml-"+size, size)
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for json transcript export.
func (e *Engine) buildWhisperArgs(audioPath, outBase string) []string {
	args := []string{
		"-m", e.modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-oj",
		"-np",
	}
	if lang := normalizeLanguage(e.cfg.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	if e.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(e.cfg.Threads))
	}
	if e.cfg.BatchSize > 1 {
		args = append(args, "-p", strconv.Itoa(e.cfg.BatchSize))
	}
	if strings.EqualFold(e.cfg.Device, "cpu") {
		args = append(args, "-ng")
	}
	return args
}

// parseSegments converts whisper.cpp millisecond offsets into segments.
func parseSegments(raw []byte) ([]subtitle.Segment, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	segments := make([]subtitle.Segment, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		segments = append(segments, subtitle.Segment{
			Start: float64(item.Offsets.From) / 1000,
			End:   float64(item.Offsets.To) / 1000,
			Text:  item.Text,
		})
	}
	return segments, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
