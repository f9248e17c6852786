package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"storystudio/obs"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	TextModel   string
	ImageModel  string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// OpenAI talks to any OpenAI-compatible gateway for chat and image generation.
type OpenAI struct {
	cfg    OpenAIConfig
	client *openai.Client
	http   *http.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &OpenAI{cfg: cfg, client: newOpenAIClient(cfg, cfg.APIKey, hc), http: hc}, nil
}

func newOpenAIClient(cfg OpenAIConfig, key string, hc *http.Client) *openai.Client {
	oc := openai.DefaultConfig(key)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		oc.BaseURL = base
	}
	oc.HTTPClient = hc
	return openai.NewClientWithConfig(oc)
}

func (o *OpenAI) GenerateText(ctx context.Context, req TextRequest) (out string, err error) {
	start := time.Now()
	defer func() { obs.RecordProviderCall("text", start, err) }()

	if strings.TrimSpace(req.Prompt) == "" {
		return "", Permanent(errors.New("openai: prompt is required"))
	}
	client := o.client
	if k := strings.TrimSpace(req.APIKey); k != "" && k != o.cfg.APIKey {
		client = newOpenAIClient(o.cfg, k, o.http)
	}
	model := firstNonEmpty(req.Model, o.cfg.TextModel)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.cfg.MaxTokens
	}
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat %s: %w", model, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("openai: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) GenerateImage(ctx context.Context, req ImageRequest) (out *Artifact, err error) {
	start := time.Now()
	defer func() { obs.RecordProviderCall("image", start, err) }()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Permanent(errors.New("openai: prompt is required"))
	}
	model := firstNonEmpty(req.Model, o.cfg.ImageModel)
	resp, err := o.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		N:              1,
		Size:           imageSize(req.AspectRatio),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai image %s: %w", model, err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: empty image response")
	}
	d := resp.Data[0]
	if d.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("openai: decode image: %w", err)
		}
		return &Artifact{Data: data, ContentType: http.DetectContentType(data), Provider: model}, nil
	}
	if d.URL == "" {
		return nil, errors.New("openai: image has neither data nor url")
	}
	data, ct, err := Fetch(ctx, o.http, d.URL)
	if err != nil {
		return nil, err
	}
	return &Artifact{Data: data, ContentType: ct, SourceURL: d.URL, Provider: model}, nil
}

// imageSize maps an aspect ratio onto the sizes the images endpoint accepts.
func imageSize(aspect string) string {
	w, h, ok := parseAspect(aspect)
	switch {
	case !ok || w == h:
		return openai.CreateImageSize1024x1024
	case w > h:
		return openai.CreateImageSize1792x1024
	default:
		return openai.CreateImageSize1024x1792
	}
}

func parseAspect(aspect string) (int, int, bool) {
	var w, h int
	if _, err := fmt.Sscanf(strings.TrimSpace(aspect), "%d:%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
