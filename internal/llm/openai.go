package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/szaher/designs/personagw/internal/message"
)

// OpenAIEngine implements Engine against an OpenAI-compatible chat completions
// endpoint. It works with vLLM and Ollama serving a vision-language model, as
// well as OpenAI itself.
type OpenAIEngine struct {
	baseURL     string
	apiKey      string
	model       string
	httpClient  *http.Client
	inlineFiles bool
}

// OpenAIOption configures the OpenAI engine.
type OpenAIOption func(*OpenAIEngine)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIEngine) { o.httpClient = c }
}

// WithInlineFiles makes the engine send file:// media refs as base64 data URLs,
// for servers that cannot read the gateway's upload directory.
func WithInlineFiles(inline bool) OpenAIOption {
	return func(o *OpenAIEngine) { o.inlineFiles = inline }
}

// NewOpenAIEngine creates an engine for any OpenAI-compatible endpoint.
func NewOpenAIEngine(baseURL, apiKey, model string, opts ...OpenAIOption) *OpenAIEngine {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	e := &OpenAIEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewOllamaEngine creates an engine for a local Ollama instance.
func NewOllamaEngine(host, model string, opts ...OpenAIOption) *OpenAIEngine {
	if host == "" {
		host = "http://localhost:11434"
	}
	return NewOpenAIEngine(strings.TrimRight(host, "/")+"/v1", "", model, opts...)
}

// --- OpenAI API request/response types ---

type oaiRequest struct {
	Model             string       `json:"model"`
	Messages          []oaiMessage `json:"messages"`
	MaxTokens         int          `json:"max_tokens,omitempty"`
	MinTokens         int          `json:"min_tokens,omitempty"`
	Temperature       *float64     `json:"temperature,omitempty"`
	TopP              *float64     `json:"top_p,omitempty"`
	TopK              *int         `json:"top_k,omitempty"`
	RepetitionPenalty *float64     `json:"repetition_penalty,omitempty"`
}

// oaiMessage content is a plain string for text turns and a part array for
// multimodal turns.
type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaiPart struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	ImageURL *oaiURL `json:"image_url,omitempty"`
	VideoURL *oaiURL `json:"video_url,omitempty"`
}

type oaiURL struct {
	URL string `json:"url"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Error   *oaiError   `json:"error,omitempty"`
}

type oaiChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type oaiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// GenerateText flattens every message to text and sends a completion request.
func (e *OpenAIEngine) GenerateText(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	msgs := make([]oaiMessage, 0, len(window))
	for _, m := range window {
		msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: message.Flatten(m).Text()})
	}
	return e.complete(ctx, e.buildRequest(msgs, s))
}

// GenerateMultimodal sends media parts as image_url/video_url content parts.
func (e *OpenAIEngine) GenerateMultimodal(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	msgs := make([]oaiMessage, 0, len(window))
	for _, m := range window {
		if !m.HasMedia() {
			msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: m.Text()})
			continue
		}
		parts := make([]oaiPart, 0, len(m.Parts))
		for _, p := range m.Parts {
			part, err := e.convertPart(p)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		msgs = append(msgs, oaiMessage{Role: string(m.Role), Content: parts})
	}
	return e.complete(ctx, e.buildRequest(msgs, s))
}

func (e *OpenAIEngine) buildRequest(msgs []oaiMessage, s Sampling) oaiRequest {
	return oaiRequest{
		Model:             e.model,
		Messages:          msgs,
		MaxTokens:         s.MaxTokens,
		MinTokens:         s.MinTokens,
		Temperature:       s.Temperature,
		TopP:              s.TopP,
		TopK:              s.TopK,
		RepetitionPenalty: s.RepetitionPenalty,
	}
}

func (e *OpenAIEngine) convertPart(p message.Part) (oaiPart, error) {
	switch p.Kind {
	case message.KindText:
		return oaiPart{Type: "text", Text: p.Text}, nil
	case message.KindImage:
		ref, err := e.mediaURL(p.Ref)
		if err != nil {
			return oaiPart{}, err
		}
		return oaiPart{Type: "image_url", ImageURL: &oaiURL{URL: ref}}, nil
	case message.KindVideo:
		ref, err := e.mediaURL(p.Ref)
		if err != nil {
			return oaiPart{}, err
		}
		return oaiPart{Type: "video_url", VideoURL: &oaiURL{URL: ref}}, nil
	default:
		return oaiPart{}, &UnsupportedPartError{Engine: "openai", Kind: p.Kind}
	}
}

func (e *OpenAIEngine) mediaURL(ref string) (string, error) {
	if !e.inlineFiles || !strings.HasPrefix(ref, "file://") {
		return ref, nil
	}
	return DataURL(ref)
}

// DataURL reads a file:// reference and encodes it as a base64 data URL.
func DataURL(ref string) (string, error) {
	mt, data, err := readFileRef(ref)
	if err != nil {
		return "", err
	}
	return "data:" + mt + ";base64," + data, nil
}

// readFileRef returns the media type and base64 body of a file:// reference.
func readFileRef(ref string) (string, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("parse media ref %q: %w", ref, err)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return "", "", fmt.Errorf("read media ref: %w", err)
	}
	mt := mime.TypeByExtension(filepath.Ext(u.Path))
	if mt == "" {
		mt = "application/octet-stream"
	}
	return mt, base64.StdEncoding.EncodeToString(data), nil
}

func (e *OpenAIEngine) complete(ctx context.Context, req oaiRequest) (string, error) {
	body, err := e.doRequest(ctx, req)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	var resp oaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return "", fmt.Errorf("openai decode response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("openai API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: response has no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (e *OpenAIEngine) doRequest(ctx context.Context, req oaiRequest) (io.ReadCloser, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		var errResp oaiResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != nil {
			return nil, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("openai API error: status %d", resp.StatusCode)
	}

	return resp.Body, nil
}
