package llm

import (
	"fmt"
	"os"
	"strings"
)

// Provider identifies an inference backend.
type Provider string

const (
	ProviderVLLM      Provider = "vllm"
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
	ProviderAnthropic Provider = "anthropic"
	ProviderMock      Provider = "mock"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"vllm/Qwen/Qwen2.5-VL-7B-Instruct" → (vllm, "Qwen/Qwen2.5-VL-7B-Instruct")
//	"ollama/qwen2.5vl"                 → (ollama, "qwen2.5vl")
//	"anthropic/claude-sonnet-4-5"      → (anthropic, "claude-sonnet-4-5")
//	"claude-sonnet-4-5"                → (anthropic, "claude-sonnet-4-5")
//	"gpt-4o"                           → (openai, "gpt-4o")
//	"Qwen2.5-VL-7B-Instruct"           → (vllm, "Qwen2.5-VL-7B-Instruct") fallback
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch Provider(prefix) {
		case ProviderVLLM, ProviderOpenAI, ProviderOllama, ProviderAnthropic, ProviderMock:
			return Provider(prefix), name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}
	if lower == "mock" {
		return ProviderMock, model
	}

	// The gateway was built around a self-hosted VL model.
	return ProviderVLLM, model
}

// EngineConfig selects and configures an engine.
type EngineConfig struct {
	// Model is a provider-qualified model string, see ParseModelString.
	Model       string
	BaseURL     string
	APIKey      string
	InlineFiles bool
}

// NewEngine creates the engine for cfg.Model.
//
// Environment variables used when cfg leaves them empty:
//
//	OPENAI_BASE_URL    base URL for vllm/openai providers
//	OPENAI_API_KEY     bearer key for vllm/openai providers
//	OLLAMA_HOST        Ollama server address (default: http://localhost:11434)
//	ANTHROPIC_API_KEY  read by the Anthropic SDK
func NewEngine(cfg EngineConfig) (Engine, error) {
	provider, name := ParseModelString(cfg.Model)
	opts := []OpenAIOption{WithInlineFiles(cfg.InlineFiles)}

	switch provider {
	case ProviderVLLM, ProviderOpenAI:
		baseURL := firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL"))
		if provider == ProviderVLLM && baseURL == "" {
			baseURL = "http://localhost:8000/v1"
		}
		apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"))
		return NewOpenAIEngine(baseURL, apiKey, name, opts...), nil
	case ProviderOllama:
		host := firstNonEmpty(cfg.BaseURL, os.Getenv("OLLAMA_HOST"))
		return NewOllamaEngine(host, name, opts...), nil
	case ProviderAnthropic:
		return NewAnthropicEngine(cfg.APIKey, name), nil
	case ProviderMock:
		return NewMockEngine(MockResponse{Text: "mock reply"}), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", provider)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
