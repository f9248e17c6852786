package provider

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync/atomic"
)

// Mock answers every request locally. Text requests echo the prompt's
// paragraphs as storyboard segments; image and video requests return a
// small PNG / a fixed byte payload. Fn hooks override the defaults.
type Mock struct {
	TextFn  func(ctx context.Context, req TextRequest) (string, error)
	ImageFn func(ctx context.Context, req ImageRequest) (*Artifact, error)
	VideoFn func(ctx context.Context, req VideoRequest) (*Artifact, error)

	textCalls  atomic.Int64
	imageCalls atomic.Int64
	videoCalls atomic.Int64
}

func (m *Mock) GenerateText(ctx context.Context, req TextRequest) (string, error) {
	m.textCalls.Add(1)
	if m.TextFn != nil {
		return m.TextFn(ctx, req)
	}
	var parts []string
	for _, p := range strings.Split(req.Prompt, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n---\n"), nil
}

func (m *Mock) GenerateImage(ctx context.Context, req ImageRequest) (*Artifact, error) {
	m.imageCalls.Add(1)
	if m.ImageFn != nil {
		return m.ImageFn(ctx, req)
	}
	data, err := SamplePNG()
	if err != nil {
		return nil, err
	}
	return &Artifact{Data: data, ContentType: "image/png", Provider: "mock"}, nil
}

func (m *Mock) GenerateVideo(ctx context.Context, req VideoRequest) (*Artifact, error) {
	m.videoCalls.Add(1)
	if m.VideoFn != nil {
		return m.VideoFn(ctx, req)
	}
	return &Artifact{Data: []byte(fmt.Sprintf("mock-video:%s", req.Prompt)), ContentType: "video/mp4", Provider: "mock"}, nil
}

func (m *Mock) TextCalls() int64  { return m.textCalls.Load() }
func (m *Mock) ImageCalls() int64 { return m.imageCalls.Load() }
func (m *Mock) VideoCalls() int64 { return m.videoCalls.Load() }

// SamplePNG is a 4x4 opaque PNG.
func SamplePNG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 40, G: 90, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
