// Package config loads the YAML configuration shared by the server and terminal binaries.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/MegaGrindStone/stream-chat/internal/services"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that overrides the config file location.
const EnvPath = "STREAMCHAT_CONFIG"

const (
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultMaxInputLength  = 10000
	defaultFlushInterval   = 50 * time.Millisecond
	defaultScrollThreshold = 50
	defaultScrollDebounce  = 100 * time.Millisecond
	defaultSystemPrompt    = "You are a helpful assistant. Answer concisely and format code with Markdown."
	defaultTitlePrompt     = "Generate a short title, at most six words, for a conversation that starts " +
		"with the message below. Reply with the title only.\n\n"
)

// LLMConfig is a provider variant selected by the `provider` key.
type LLMConfig interface {
	// Backend builds the provider backend. A nil Backend with a nil error means the provider
	// lacks its API key and the surfaces should run in the not-configured state.
	Backend(ctx context.Context, systemPrompt string, logger *slog.Logger) (provider.Backend, error)
	// Models returns the primary model followed by its fallbacks.
	Models() []string
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider       string                 `yaml:"provider"`
	Model          string                 `yaml:"model"`
	FallbackModels []string               `yaml:"fallbackModels"`
	APIKeyEnv      string                 `yaml:"apiKeyEnv"`
	BaseURL        string                 `yaml:"baseURL"`
	Parameters     services.LLMParameters `yaml:"parameters"`
}

// Config is the decoded configuration file.
type Config struct {
	Port            string        `yaml:"port"`
	LogLevel        string        `yaml:"logLevel"`
	SystemPrompt    string        `yaml:"systemPrompt"`
	TitlePrompt     string        `yaml:"titlePrompt"`
	MaxInputLength  int           `yaml:"maxInputLength"`
	FlushInterval   time.Duration `yaml:"flushInterval"`
	ScrollThreshold float64       `yaml:"scrollThreshold"`
	ScrollDebounce  time.Duration `yaml:"scrollDebounce"`
	HistoryPath     string        `yaml:"historyPath"`
	LLM             LLMConfig     `yaml:"llm"`
}

type geminiConfig struct {
	BaseLLMConfig `yaml:",inline"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	MaxTokens     int `yaml:"maxTokens"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type compatConfig struct {
	BaseLLMConfig `yaml:",inline"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Port:            defaultPort,
		LogLevel:        defaultLogLevel,
		SystemPrompt:    defaultSystemPrompt,
		TitlePrompt:     defaultTitlePrompt,
		MaxInputLength:  defaultMaxInputLength,
		FlushInterval:   defaultFlushInterval,
		ScrollThreshold: defaultScrollThreshold,
		ScrollDebounce:  defaultScrollDebounce,
		LLM:             defaultLLM(),
	}
}

func defaultLLM() *geminiConfig {
	return &geminiConfig{BaseLLMConfig: BaseLLMConfig{
		Provider:       "gemini",
		Model:          "gemini-2.0-flash",
		FallbackModels: []string{"gemini-1.5-flash"},
	}}
}

// Path resolves the config file location: $STREAMCHAT_CONFIG, else streamchat/config.yaml
// under the user config directory.
func Path() (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "streamchat", "config.yaml"), nil
}

// Load reads the file at path. A missing file yields Default.
func Load(path string) (Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(bs)
}

// Parse decodes YAML bytes on top of Default.
func Parse(bs []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// SlogLevel converts the configured level name.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            *string        `yaml:"port"`
		LogLevel        *string        `yaml:"logLevel"`
		SystemPrompt    *string        `yaml:"systemPrompt"`
		TitlePrompt     *string        `yaml:"titlePrompt"`
		MaxInputLength  *int           `yaml:"maxInputLength"`
		FlushInterval   *time.Duration `yaml:"flushInterval"`
		ScrollThreshold *float64       `yaml:"scrollThreshold"`
		ScrollDebounce  *time.Duration `yaml:"scrollDebounce"`
		HistoryPath     *string        `yaml:"historyPath"`
		LLM             map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	setIf(&c.Port, rawConfig.Port)
	setIf(&c.LogLevel, rawConfig.LogLevel)
	setIf(&c.SystemPrompt, rawConfig.SystemPrompt)
	setIf(&c.TitlePrompt, rawConfig.TitlePrompt)
	setIf(&c.MaxInputLength, rawConfig.MaxInputLength)
	setIf(&c.FlushInterval, rawConfig.FlushInterval)
	setIf(&c.ScrollThreshold, rawConfig.ScrollThreshold)
	setIf(&c.ScrollDebounce, rawConfig.ScrollDebounce)
	setIf(&c.HistoryPath, rawConfig.HistoryPath)

	if c.MaxInputLength <= 0 {
		return fmt.Errorf("maxInputLength must be positive, got %d", c.MaxInputLength)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flushInterval must be positive, got %s", c.FlushInterval)
	}

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm LLMConfig
	switch llmProvider {
	case "gemini":
		llm = &geminiConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	case "compat":
		llm = &compatConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Models returns the primary model followed by its fallbacks.
func (b BaseLLMConfig) Models() []string {
	if b.Model == "" {
		return nil
	}
	return append([]string{b.Model}, b.FallbackModels...)
}

func (b BaseLLMConfig) apiKey(defaultEnv string) string {
	env := b.APIKeyEnv
	if env == "" {
		env = defaultEnv
	}
	return os.Getenv(env)
}

func (b BaseLLMConfig) validate() error {
	if b.Model == "" {
		return fmt.Errorf("%s: model is required", b.Provider)
	}
	return nil
}

func (g geminiConfig) Backend(ctx context.Context, systemPrompt string, logger *slog.Logger) (provider.Backend, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	apiKey := g.apiKey("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	return services.NewGemini(ctx, apiKey, g.BaseURL, systemPrompt, g.Parameters, logger)
}

func (a anthropicConfig) Backend(_ context.Context, systemPrompt string, logger *slog.Logger) (provider.Backend, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("anthropic: maxTokens is required")
	}
	apiKey := a.apiKey("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	return services.NewAnthropic(apiKey, a.BaseURL, systemPrompt, a.MaxTokens, logger), nil
}

func (o openAIConfig) Backend(_ context.Context, systemPrompt string, logger *slog.Logger) (provider.Backend, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	apiKey := o.apiKey("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	return services.NewOpenAI(apiKey, o.BaseURL, systemPrompt, o.Parameters, logger), nil
}

func (o openRouterConfig) Backend(_ context.Context, systemPrompt string, logger *slog.Logger) (provider.Backend, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	apiKey := o.apiKey("OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	return services.NewOpenRouter(apiKey, o.BaseURL, systemPrompt, logger), nil
}

// Backend for Ollama never reports missing configuration since a local server needs no key.
func (o ollamaConfig) Backend(_ context.Context, systemPrompt string, _ *slog.Logger) (provider.Backend, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, systemPrompt)
}

func (c compatConfig) Backend(_ context.Context, systemPrompt string, logger *slog.Logger) (provider.Backend, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return services.NewCompat(c.apiKey("COMPAT_API_KEY"), c.BaseURL, c.Model, systemPrompt, c.Parameters, logger)
}
