package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// ServiceName 健康检查接口返回的服务名。
const ServiceName = "Chat Relay"

// DefaultSystemPrompt 默认的系统提示词，位于每次请求的最前面。
const DefaultSystemPrompt = "You are a helpful AI assistant. Provide clear, concise, and helpful responses. Be friendly and professional."

// 支持的推理服务提供方。
const (
	ProviderArk       = "ark"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderWorkersAI = "workersai"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Store  StoreConfig
	Chat   ChatConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	addr, err := resolveAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AI.Provider {
	case ProviderArk, ProviderOpenAI, ProviderAnthropic, ProviderWorkersAI:
	default:
		return fmt.Errorf("invalid AI_PROVIDER value %q", c.AI.Provider)
	}

	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid STORE_DRIVER value %q", c.Store.Driver)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}

	if c.AI.MaxTokens <= 0 {
		return fmt.Errorf("invalid AI_MAX_TOKENS value %d", c.AI.MaxTokens)
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	// Addr 由 Load 根据 Port 推导。
	Addr string

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`
	// TrustProxy 为 true 时信任 X-Forwarded-For / X-Real-IP，仅在可信反向代理之后开启。
	TrustProxy bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// resolveAddr 解析服务器监听地址。
func resolveAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider     string        `env:"AI_PROVIDER" envDefault:"ark"`
	Model        string        `env:"AI_MODEL"`
	MaxTokens    int           `env:"AI_MAX_TOKENS" envDefault:"512"`
	Temperature  float64       `env:"AI_TEMPERATURE" envDefault:"0.7"`
	Timeout      time.Duration `env:"AI_TIMEOUT" envDefault:"0s"`
	SystemPrompt string        `env:"AI_SYSTEM_PROMPT"`

	ArkAPIKey    string `env:"ARK_API_KEY"`
	ArkAccessKey string `env:"ARK_ACCESS_KEY"`
	ArkSecretKey string `env:"ARK_SECRET_KEY"`
	ArkBaseURL   string `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	ArkRegion    string `env:"ARK_REGION" envDefault:"cn-beijing"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`

	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	CFAccountID string `env:"CF_ACCOUNT_ID"`
	CFAPIToken  string `env:"CF_API_TOKEN"`
	CFBaseURL   string `env:"CF_BASE_URL" envDefault:"https://api.cloudflare.com/client/v4"`
}

// Enabled 表示当前提供方是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderArk:
		return c.Model != "" && (c.ArkAPIKey != "" || (c.ArkAccessKey != "" && c.ArkSecretKey != ""))
	case ProviderOpenAI:
		return c.OpenAIAPIKey != ""
	case ProviderAnthropic:
		return c.AnthropicAPIKey != ""
	case ProviderWorkersAI:
		return c.CFAccountID != "" && c.CFAPIToken != ""
	default:
		return false
	}
}

// ModelName 返回配置的模型名，未配置时使用提供方默认值。
func (c AIConfig) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	switch c.Provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderAnthropic:
		return "claude-3-5-sonnet-20240620"
	case ProviderWorkersAI:
		return "@cf/meta/llama-3.3-70b-instruct-fp8-fast"
	default:
		return ""
	}
}

// SystemDirective 返回系统提示词，未配置时使用默认值。
func (c AIConfig) SystemDirective() string {
	if strings.TrimSpace(c.SystemPrompt) != "" {
		return c.SystemPrompt
	}
	return DefaultSystemPrompt
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Provider != ProviderArk || !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + AI_MODEL 或 AK/SK 组合")
	}

	temperature := float32(c.Temperature)
	maxTokens := c.MaxTokens

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.ArkBaseURL,
		Region:      c.ArkRegion,
		APIKey:      c.ArkAPIKey,
		AccessKey:   c.ArkAccessKey,
		SecretKey:   c.ArkSecretKey,
		Model:       c.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

// StoreConfig 描述持久化存储配置。
type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER" envDefault:"memory"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./chat.db"`
	DatabaseURL string `env:"DATABASE_URL"`
}

// ChatConfig 描述聊天流程配置。
type ChatConfig struct {
	// PersistUserFirst 为 true 时在推理前保存用户消息，推理失败也不会丢失。
	PersistUserFirst bool `env:"CHAT_PERSIST_USER_FIRST" envDefault:"false"`
}

// LogConfig 描述日志配置。
type LogConfig struct {
	Backend string `env:"LOG_BACKEND" envDefault:"logrus"`
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
}
