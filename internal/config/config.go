package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/service.txt
var servicePrompt string

//go:embed prompts/oneshot.txt
var oneShotPrompt string

// Config captures model, runtime, server, analysis and storage settings for MealLens.
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Server   ServerConfig   `yaml:"server"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Image    ImageConfig    `yaml:"image"`
	History  HistoryConfig  `yaml:"history"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ModelConfig locates the model assets on disk.
type ModelConfig struct {
	Path string `yaml:"path"`
	// ChatTemplate is "auto", "none", a preset name or a .gotmpl path.
	ChatTemplate    string `yaml:"chat_template"`
	ImageTokenIndex int    `yaml:"image_token_index"`
}

// RuntimeConfig selects which backend executes generation and its settings.
type RuntimeConfig struct {
	Backend string       `yaml:"backend"`
	KServe  KServeConfig `yaml:"kserve"`
}

// KServeConfig configures the Open Inference Protocol backend.
type KServeConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Version string `yaml:"version"`
	Timeout string `yaml:"timeout"`
	// Device and DType override what the server reports for the model.
	Device      string `yaml:"device"`
	DType       string `yaml:"dtype"`
	PixelInput  string `yaml:"pixel_input"`
	OutputName  string `yaml:"output_name"`
	BinaryData  *bool  `yaml:"binary_data"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// AnalysisConfig holds the per-entry-point generation settings.
type AnalysisConfig struct {
	Timeout        string      `yaml:"timeout"`
	CompleteSchema *bool       `yaml:"complete_schema"`
	Service        EntryConfig `yaml:"service"`
	OneShot        EntryConfig `yaml:"oneshot"`
}

// EntryConfig bounds generation and supplies the default instruction.
type EntryConfig struct {
	MaxNewTokens int    `yaml:"max_new_tokens"`
	Prompt       string `yaml:"prompt"`
}

// ImageConfig limits accepted images.
type ImageConfig struct {
	MaxPixels int `yaml:"max_pixels"`
}

// HistoryConfig configures the analysis history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls log destination and verbosity.
type LoggingConfig struct {
	ToFile bool `yaml:"to_file"`
	Debug  bool `yaml:"debug"`
}

const defaultConfigFile = "meallens.yaml"

// DefaultImageTokenIndex is the sentinel id spliced in where the image goes.
const DefaultImageTokenIndex = -200

// Default returns a Config pre-populated with the documented defaults.
func Default() Config {
	binary := true
	complete := true
	return Config{
		Model: ModelConfig{
			Path:            "./models/rtqVLM-0.5B",
			ChatTemplate:    "auto",
			ImageTokenIndex: DefaultImageTokenIndex,
		},
		Runtime: RuntimeConfig{
			Backend: "kserve",
			KServe: KServeConfig{
				BaseURL:     "http://127.0.0.1:8000",
				Model:       "rtqvlm",
				Timeout:     "120s",
				PixelInput:  "pixel_values",
				OutputName:  "output_ids",
				BinaryData:  &binary,
				MaxAttempts: 2,
			},
		},
		Server: ServerConfig{
			Host:         "localhost",
			Port:         5001,
			MaxBodyBytes: 64 << 20,
		},
		Analysis: AnalysisConfig{
			Timeout:        "",
			CompleteSchema: &complete,
			Service: EntryConfig{
				MaxNewTokens: 512,
				Prompt:       servicePrompt,
			},
			OneShot: EntryConfig{
				MaxNewTokens: 256,
				Prompt:       oneShotPrompt,
			},
		},
		History: HistoryConfig{
			Enabled: false,
			Driver:  "sqlite",
			Path:    "meallens_history.db",
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("APP_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("provided APP_CONFIG file %q not found", path)
	}

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, nil
}

func merge(base, override Config) Config {
	result := base

	if override.Model.Path != "" {
		result.Model.Path = override.Model.Path
	}
	if override.Model.ChatTemplate != "" {
		result.Model.ChatTemplate = override.Model.ChatTemplate
	}
	if override.Model.ImageTokenIndex != 0 {
		result.Model.ImageTokenIndex = override.Model.ImageTokenIndex
	}

	if override.Runtime.Backend != "" {
		result.Runtime.Backend = override.Runtime.Backend
	}
	k := override.Runtime.KServe
	if k.BaseURL != "" {
		result.Runtime.KServe.BaseURL = k.BaseURL
	}
	if k.Model != "" {
		result.Runtime.KServe.Model = k.Model
	}
	if k.Version != "" {
		result.Runtime.KServe.Version = k.Version
	}
	if k.Timeout != "" {
		result.Runtime.KServe.Timeout = k.Timeout
	}
	if k.Device != "" {
		result.Runtime.KServe.Device = k.Device
	}
	if k.DType != "" {
		result.Runtime.KServe.DType = k.DType
	}
	if k.PixelInput != "" {
		result.Runtime.KServe.PixelInput = k.PixelInput
	}
	if k.OutputName != "" {
		result.Runtime.KServe.OutputName = k.OutputName
	}
	if k.BinaryData != nil {
		v := *k.BinaryData
		result.Runtime.KServe.BinaryData = &v
	}
	if k.MaxAttempts != 0 {
		result.Runtime.KServe.MaxAttempts = k.MaxAttempts
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.MaxBodyBytes != 0 {
		result.Server.MaxBodyBytes = override.Server.MaxBodyBytes
	}

	if override.Analysis.Timeout != "" {
		result.Analysis.Timeout = override.Analysis.Timeout
	}
	if override.Analysis.CompleteSchema != nil {
		v := *override.Analysis.CompleteSchema
		result.Analysis.CompleteSchema = &v
	}
	result.Analysis.Service = mergeEntry(result.Analysis.Service, override.Analysis.Service)
	result.Analysis.OneShot = mergeEntry(result.Analysis.OneShot, override.Analysis.OneShot)

	if override.Image.MaxPixels != 0 {
		result.Image.MaxPixels = override.Image.MaxPixels
	}

	if override.History.Enabled {
		result.History.Enabled = true
	}
	if override.History.Driver != "" {
		result.History.Driver = override.History.Driver
	}
	if override.History.Path != "" {
		result.History.Path = override.History.Path
	}

	if override.Logging.ToFile {
		result.Logging.ToFile = true
	}
	if override.Logging.Debug {
		result.Logging.Debug = true
	}

	return result
}

func mergeEntry(base, override EntryConfig) EntryConfig {
	if override.MaxNewTokens != 0 {
		base.MaxNewTokens = override.MaxNewTokens
	}
	if override.Prompt != "" {
		base.Prompt = override.Prompt
	}
	return base
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("VISION_MODEL_PATH")); v != "" {
		cfg.Model.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("VISION_MODEL_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("VISION_MODEL_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CHAT_TEMPLATE")); v != "" {
		cfg.Model.ChatTemplate = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_RUNTIME_BACKEND")); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_KSERVE_BASEURL")); v != "" {
		cfg.Runtime.KServe.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_KSERVE_MODEL")); v != "" {
		cfg.Runtime.KServe.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_KSERVE_TIMEOUT")); v != "" {
		cfg.Runtime.KServe.Timeout = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_KSERVE_DEVICE")); v != "" {
		cfg.Runtime.KServe.Device = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_KSERVE_DTYPE")); v != "" {
		cfg.Runtime.KServe.DType = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Server.MaxBodyBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_ANALYSIS_TIMEOUT")); v != "" {
		cfg.Analysis.Timeout = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVICE_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Analysis.Service.MaxNewTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_ONESHOT_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Analysis.OneShot.MaxNewTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_HISTORY_ENABLED")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.History.Enabled = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_HISTORY_DRIVER")); v != "" {
		cfg.History.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_HISTORY_PATH")); v != "" {
		cfg.History.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_FILE")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.ToFile = enabled
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_DEBUG")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Debug = enabled
		}
	}
}

// Address joins the server host and port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TimeoutDuration parses Timeout; an empty or invalid value disables it.
func (a AnalysisConfig) TimeoutDuration() time.Duration {
	return parseDuration(a.Timeout, 0)
}

// SchemaCompletion reports whether records are padded with missing schema fields.
func (a AnalysisConfig) SchemaCompletion() bool {
	return a.CompleteSchema == nil || *a.CompleteSchema
}

// TimeoutDuration parses Timeout, falling back to two minutes.
func (k KServeConfig) TimeoutDuration() time.Duration {
	return parseDuration(k.Timeout, 120*time.Second)
}

// UseBinaryData reports whether pixel tensors travel as binary payloads.
func (k KServeConfig) UseBinaryData() bool {
	return k.BinaryData == nil || *k.BinaryData
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
