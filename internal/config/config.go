// Package config loads the service's configuration document: a JSON file
// with sections LocalAI, API, Settings, Concurrency, Parsing, and Ratelimits
// (spec.md §6), following the teacher's own config.LoadConfig shape
// (viper, mapstructure tags, per-section Validate/Normalize, panic on a
// fatal load error recovered at main into exit code 1).
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Config holds the whole configuration document.
type Config struct {
	LocalAI     LocalAIConfig     `mapstructure:"localai"`
	API         APIConfig         `mapstructure:"api"`
	Settings    SettingsConfig    `mapstructure:"settings"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Parsing     ParsingConfig     `mapstructure:"parsing"`
	Ratelimits  RatelimitsConfig  `mapstructure:"ratelimits"`
}

// LocalAIConfig names the model server and the two model ids the
// Orchestrator routes default and reasoning calls to.
type LocalAIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	DefaultModel   string `mapstructure:"default_model"`
	ReasonModel    string `mapstructure:"reason_model"`
	DefaultModelCtx int   `mapstructure:"default_model_ctx"`
	ReasonModelCtx  int   `mapstructure:"reason_model_ctx"`
}

// APIConfig carries the hosted endpoints and their secrets.
type APIConfig struct {
	OpenAICompatURL string `mapstructure:"openai_compat_url"`
	OpenAICompatKey string `mapstructure:"openai_compat_key"`
	HostedParserURL string `mapstructure:"hosted_parser_url"`
	HostedParserKey string `mapstructure:"hosted_parser_key"`
	SearchURL       string `mapstructure:"search_url"`
	SearchKey       string `mapstructure:"search_key"`
}

// SettingsConfig is the set of feature flags spec.md §6 names.
type SettingsConfig struct {
	UseHostedParser bool `mapstructure:"use_hosted_parser"`
	UseLocalLLM     bool `mapstructure:"use_local_llm"`
	WithPlanning    bool `mapstructure:"with_planning"`
}

// ConcurrencyConfig configures the Rate-Limit Governor's global ceiling and
// the Per-Domain Admission Controller's per-host cool-down.
type ConcurrencyConfig struct {
	ConcurrentLimit int           `mapstructure:"concurrent_limit"`
	GlobalLimit     int           `mapstructure:"global_limit"`
	CoolDown        time.Duration `mapstructure:"cool_down"`
	ChromeHostIP    string        `mapstructure:"chrome_host_ip"`
	ChromePort      int           `mapstructure:"chrome_port"`
}

// ParsingConfig bounds the Page Acquisition Pipeline's per-fetch limits.
type ParsingConfig struct {
	PDFMaxPages      int           `mapstructure:"pdf_max_pages"`
	PDFMaxFilesize   int64         `mapstructure:"pdf_max_filesize"`
	TimeoutPerTask   time.Duration `mapstructure:"timeout_per_task"`
	MaxHTMLLength    int           `mapstructure:"max_html_length"`
}

// RatelimitsConfig configures the Governor's pacing clock and fallback.
type RatelimitsConfig struct {
	RequestsPerMinute   int    `mapstructure:"requests_per_minute"`
	OperationWaitTime   int    `mapstructure:"operation_wait_time"`
	FallbackModel       string `mapstructure:"fallback_model"`
	ConsecutiveFailures int    `mapstructure:"consecutive_failures"`
}

// Validate enforces the boundaries every section must satisfy before the
// service wires dependencies from it.
func (c *Config) Validate() error {
	if c.LocalAI.DefaultModel == "" {
		return fmt.Errorf("config: localai.default_model is required")
	}
	if c.Concurrency.ConcurrentLimit <= 0 {
		return fmt.Errorf("config: concurrency.concurrent_limit must be positive")
	}
	if c.Ratelimits.RequestsPerMinute == 0 {
		return fmt.Errorf("config: ratelimits.requests_per_minute must be nonzero (-1 disables limiting)")
	}
	return nil
}

// Normalize fills in fallbacks that depend on other, already-loaded fields
// rather than fixed defaults (so they cannot be expressed as viper.SetDefault
// calls alone): an empty fallback model defaults to the default model,
// matching configuration.py's FALLBACK_MODEL precedent.
func (c *Config) Normalize() {
	if c.Ratelimits.FallbackModel == "" {
		c.Ratelimits.FallbackModel = c.LocalAI.DefaultModel
	}
	if c.Ratelimits.ConsecutiveFailures <= 0 {
		c.Ratelimits.ConsecutiveFailures = 3
	}
}

// placeholderPattern matches spec.md §6's ${NAME} environment substitution
// syntax inside the raw config document, ahead of viper's own parsing.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${NAME} occurrence in raw with the named
// environment variable's value. An unset name substitutes the empty string:
// the document is expected to supply its own default where the placeholder
// appears, the same role configuration.py's get_config_value defaults play.
func substituteEnv(raw []byte) []byte {
	return placeholderPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := placeholderPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the configuration document at path (or the candidate locations
// readConfigBytes searches when path is empty or names no existing file),
// substitutes ${NAME} placeholders from the
// environment, and unmarshals the result. It panics on a read or parse
// error or a failed Validate, mirroring config.LoadConfig's own panic
// convention; callers at the process boundary (cmd/researchd) recover this
// into exit code 1.
func Load(path string) *Config {
	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("localai.base_url", "http://localhost:11434")
	v.SetDefault("localai.default_model", "llama2:latest")
	v.SetDefault("localai.reason_model", "llama2:latest")
	v.SetDefault("localai.default_model_ctx", -1)
	v.SetDefault("localai.reason_model_ctx", -1)
	v.SetDefault("api.openai_compat_url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("settings.use_ollama", true)
	v.SetDefault("settings.with_planning", true)
	v.SetDefault("concurrency.concurrent_limit", 3)
	v.SetDefault("concurrency.cool_down", time.Second)
	v.SetDefault("concurrency.chrome_port", 9222)
	v.SetDefault("concurrency.chrome_host_ip", "127.0.0.1")
	v.SetDefault("parsing.pdf_max_pages", 10)
	v.SetDefault("parsing.pdf_max_filesize", 10*1024*1024)
	v.SetDefault("parsing.timeout_per_task", 60*time.Second)
	v.SetDefault("parsing.max_html_length", 1000000)
	v.SetDefault("ratelimits.requests_per_minute", -1)
	v.SetDefault("ratelimits.operation_wait_time", 0)

	raw, err := readConfigBytes(v, path)
	if err != nil {
		panic(fmt.Errorf("config: fatal error reading config file: %w", err))
	}
	if raw != nil {
		if err := v.ReadConfig(bytes.NewReader(substituteEnv(raw))); err != nil {
			panic(fmt.Errorf("config: fatal error parsing config file: %w", err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("config: fatal error decoding config file: %w", err))
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return &cfg
}

// readConfigBytes locates the config file the same way config.LoadConfig
// does (explicit path, then ./config, working directory, and the directory
// next to the executable) and returns its raw bytes, or nil with no error
// when no file exists anywhere (defaults alone govern that run).
func readConfigBytes(v *viper.Viper, path string) ([]byte, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			return raw, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	candidates := []string{"./config/research.json", "./research.json"}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(exeDir, "research.json"),
			filepath.Join(exeDir, "..", "research.json"),
			filepath.Join(exeDir, "..", "config", "research.json"),
		)
	}
	for _, candidate := range candidates {
		raw, err := os.ReadFile(candidate)
		if err == nil {
			return raw, nil
		}
	}
	return nil, nil
}
