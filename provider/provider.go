// Package provider holds the external generation collaborators: text, image
// and video models. Errors returned by them are classified by IsPermanent.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type TextRequest struct {
	System string
	Prompt string
	Model  string
	// APIKey overrides the configured key for this call.
	APIKey    string
	MaxTokens int
}

type ImageRequest struct {
	Prompt      string
	Model       string
	AspectRatio string
}

type VideoRequest struct {
	Prompt      string
	Model       string
	AspectRatio string
	// ImageURL is the first frame, usually the shot's current image.
	ImageURL string
	Duration int
}

// Artifact is the bytes a provider produced plus where it came from.
type Artifact struct {
	Data        []byte
	ContentType string
	SourceURL   string
	Provider    string
}

type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (string, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*Artifact, error)
}

type VideoGenerator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (*Artifact, error)
}

// Fetch downloads a provider result URL.
func Fetch(ctx context.Context, hc *http.Client, rawURL string) ([]byte, string, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	rawURL = strings.TrimSpace(rawURL)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, "", Permanent(fmt.Errorf("invalid result url: %q", rawURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", Permanent(fmt.Errorf("build download request: %w", err))
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", &StatusError{StatusCode: resp.StatusCode, Body: "download " + rawURL}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read result: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}
