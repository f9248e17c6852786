package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPermanent(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", Permanent(errors.New("bad prompt")), true},
		{"wrapped marked", fmt.Errorf("x: %w", Permanent(errors.New("y"))), true},
		{"timeout", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"quota", &openai.APIError{Type: "insufficient_quota", HTTPStatusCode: 429}, true},
		{"rate limit", &openai.APIError{Type: "rate_limit", HTTPStatusCode: 429}, false},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, true},
		{"gateway 502", &openai.RequestError{HTTPStatusCode: 502}, false},
		{"status 422", &StatusError{StatusCode: 422}, true},
		{"status 503", &StatusError{StatusCode: 503}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsPermanent(tc.err))
		})
	}
}

func TestImageSize(t *testing.T) {
	assert.Equal(t, openai.CreateImageSize1792x1024, imageSize("21:9"))
	assert.Equal(t, openai.CreateImageSize1024x1792, imageSize("9:16"))
	assert.Equal(t, openai.CreateImageSize1024x1024, imageSize("1:1"))
	assert.Equal(t, openai.CreateImageSize1024x1024, imageSize("wide"))
}

func TestOpenAIText(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"model=%s"}}]}`, req.Model)
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "k1", BaseURL: srv.URL, TextModel: "m-text"})
	require.NoError(t, err)
	out, err := c.GenerateText(context.Background(), TextRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "model=m-text", out)
	assert.Equal(t, "Bearer k1", auth.Load())

	_, err = c.GenerateText(context.Background(), TextRequest{Prompt: "hi", APIKey: "user-key"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-key", auth.Load())

	_, err = c.GenerateText(context.Background(), TextRequest{})
	assert.True(t, IsPermanent(err))
}

func TestOpenAIImageB64(t *testing.T) {
	png, err := SamplePNG()
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"created":1,"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(png))
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, ImageModel: "img"})
	require.NoError(t, err)
	a, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "cat", AspectRatio: "16:9"})
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.ContentType)
	assert.True(t, bytes.Equal(png, a.Data))
	assert.Equal(t, "img", a.Provider)
}

func TestOpenAIUnauthorizedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.GenerateText(context.Background(), TextRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestVideoSubmitAndPoll(t *testing.T) {
	var polls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/videos":
			var body videoSubmit
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "sora", body.Model)
			assert.Equal(t, "16:9", body.AspectRatio)
			_, _ = w.Write([]byte(`{"id":"t1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/videos/t1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"id":"t1","status":"processing"}`))
				return
			}
			_, _ = fmt.Fprintf(w, `{"id":"t1","status":"completed","video_url":"%s/files/t1.mp4"}`, srv.URL)
		case r.URL.Path == "/files/t1.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write([]byte("mp4-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	v, err := NewVideo(VideoConfig{BaseURL: srv.URL, Model: "sora", Aspect: "16:9", PollEvery: time.Millisecond, MaxPolls: 10})
	require.NoError(t, err)
	a, err := v.GenerateVideo(context.Background(), VideoRequest{Prompt: "scene"})
	require.NoError(t, err)
	assert.Equal(t, "mp4-bytes", string(a.Data))
	assert.Equal(t, "video/mp4", a.ContentType)
	assert.Equal(t, int32(2), polls.Load())
}

func TestVideoFailedTaskIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"t2","status":"failed","error":"content policy"}`))
	}))
	defer srv.Close()

	v, err := NewVideo(VideoConfig{BaseURL: srv.URL, PollEvery: time.Millisecond})
	require.NoError(t, err)
	_, err = v.GenerateVideo(context.Background(), VideoRequest{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.True(t, strings.Contains(err.Error(), "content policy"))
}

func TestVideoServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v, err := NewVideo(VideoConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = v.GenerateVideo(context.Background(), VideoRequest{Prompt: "x"})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestMockText(t *testing.T) {
	m := &Mock{}
	out, err := m.GenerateText(context.Background(), TextRequest{Prompt: "第一段\n\n第二段\n\n"})
	require.NoError(t, err)
	assert.Equal(t, "第一段\n---\n第二段", out)
	assert.Equal(t, int64(1), m.TextCalls())
}
