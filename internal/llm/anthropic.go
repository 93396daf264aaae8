package llm

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/szaher/designs/personagw/internal/message"
)

// defaultAnthropicMaxTokens is used when Sampling leaves MaxTokens unset; the
// Messages API requires it.
const defaultAnthropicMaxTokens = 1024

// AnthropicEngine implements Engine using the Anthropic Messages API. Images
// are sent as URL or base64 blocks; video parts are rejected.
type AnthropicEngine struct {
	client anthropic.Client
	model  string
}

// NewAnthropicEngine creates an engine that reads ANTHROPIC_API_KEY from the
// environment unless apiKey is set.
func NewAnthropicEngine(apiKey, model string) *AnthropicEngine {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicEngine{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// GenerateText sends the window as text only.
func (a *AnthropicEngine) GenerateText(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	flat := make([]message.Message, len(window))
	for i, m := range window {
		flat[i] = message.Flatten(m)
	}
	return a.generate(ctx, flat, s)
}

// GenerateMultimodal sends image parts as image blocks.
func (a *AnthropicEngine) GenerateMultimodal(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	return a.generate(ctx, window, s)
}

func (a *AnthropicEngine) generate(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	params, err := a.buildParams(window, s)
	if err != nil {
		return "", err
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic generate: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (a *AnthropicEngine) buildParams(window []message.Message, s Sampling) (anthropic.MessageNewParams, error) {
	var system []string
	messages := make([]anthropic.MessageParam, 0, len(window))
	for _, m := range window {
		if m.Role == message.RoleSystem {
			system = append(system, m.Text())
			continue
		}
		blocks, err := contentBlocks(m)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		if m.Role == message.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n\n")},
		}
	}

	// The Messages API caps temperature at 1.
	if s.Temperature != nil {
		params.Temperature = param.NewOpt(min(*s.Temperature, 1.0))
	}
	if s.TopP != nil {
		params.TopP = param.NewOpt(*s.TopP)
	}
	if s.TopK != nil {
		params.TopK = param.NewOpt(int64(*s.TopK))
	}

	return params, nil
}

func contentBlocks(m message.Message) ([]anthropic.ContentBlockParamUnion, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case message.KindText:
			if p.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			}
		case message.KindImage:
			block, err := imageBlock(p.Ref)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, block)
		default:
			return nil, &UnsupportedPartError{Engine: "anthropic", Kind: p.Kind}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(message.MediaPlaceholder))
	}
	return blocks, nil
}

func imageBlock(ref string) (anthropic.ContentBlockParamUnion, error) {
	if strings.HasPrefix(ref, "file://") {
		mt, data, err := readFileRef(ref)
		if err != nil {
			return anthropic.ContentBlockParamUnion{}, err
		}
		return anthropic.NewImageBlockBase64(mt, data), nil
	}
	return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: ref}), nil
}
