package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bowerhall/medibuddy/internal/conversation"
)

// minAudioBytes is the smallest recording the inference server accepts.
const minAudioBytes = 1024

type InferenceConfig struct {
	BaseURL string
	Timeout time.Duration
	Lang    string
}

// Inference talks to the HTTP inference server. Each variant posts to its
// own route; text goes as JSON, audio and images as multipart.
type Inference struct {
	base    *url.URL
	lang    string
	timeout time.Duration
	client  *http.Client
}

func NewInference(cfg InferenceConfig) (*Inference, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inference url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse inference url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("inference url %q must be absolute", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	lang := cfg.Lang
	if lang == "" {
		lang = "en"
	}

	return &Inference{
		base:    base,
		lang:    lang,
		timeout: timeout,
		client:  &http.Client{},
	}, nil
}

func (g *Inference) Send(ctx context.Context, req Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	lang := req.Lang
	if lang == "" {
		lang = g.lang
	}

	httpReq, err := g.build(ctx, req, lang)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("post %s: %w", req.Variant.Route, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("read reply: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, snippet(body))
	}

	return g.parse(body, req.Variant.ReplyField)
}

func (g *Inference) build(ctx context.Context, req Request, lang string) (*http.Request, error) {
	endpoint := g.base.String() + req.Variant.Route

	if req.Turn.Media == nil {
		if strings.TrimSpace(req.Turn.Text) == "" {
			return nil, fmt.Errorf("%w: empty text", ErrUnsupported)
		}
		payload, err := json.Marshal(map[string]string{"text": req.Turn.Text, "lang": lang})
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}

	field := "image"
	if req.Turn.Media.Kind == conversation.MediaAudio {
		field = "audio"
	} else if !req.Variant.AcceptsImages {
		return nil, fmt.Errorf("%w: %s does not accept images", ErrUnsupported, req.Variant.Name)
	}

	if req.LocalPath == "" {
		return nil, fmt.Errorf("%w: %s turn has no local file", ErrUnsupported, field)
	}
	data, err := os.ReadFile(strings.TrimPrefix(req.LocalPath, "file://"))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", field, err)
	}
	if field == "audio" && len(data) < minAudioBytes {
		return nil, fmt.Errorf("%w: audio too short (%d bytes)", ErrUnsupported, len(data))
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(req.LocalPath)))
	if req.MimeType != "" {
		header.Set("Content-Type", req.MimeType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.WriteField("lang", lang); err != nil {
		return nil, err
	}
	if req.Turn.Text != "" {
		if err := w.WriteField("text", req.Turn.Text); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	return httpReq, nil
}

type inferenceReply struct {
	VoiceOutput   string           `json:"voice_output"`
	AudioFile     string           `json:"audio_file"`
	Transcription string           `json:"transcription"`
	Recommended   []Recommendation `json:"recommended_doctors"`
	Error         string           `json:"error"`
}

func (g *Inference) parse(body []byte, replyField string) (*Reply, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var r inferenceReply
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if r.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrBadResponse, r.Error)
	}

	var text string
	if raw, ok := fields[replyField]; ok {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: %s is not a string", ErrBadResponse, replyField)
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrBadResponse, replyField)
	}

	voice := r.VoiceOutput
	if voice == "" {
		voice = r.AudioFile
	}

	return &Reply{
		Text:            text,
		VoiceURL:        g.resolve(voice),
		Recommendations: Dedupe(r.Recommended),
		Transcription:   r.Transcription,
	}, nil
}

// resolve turns the server's voice reference into an absolute URL. A bare
// file name is served from /download/.
func (g *Inference) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return u.String()
	}
	if !strings.Contains(ref, "/") {
		u = &url.URL{Path: "/download/" + ref}
	}
	return g.base.ResolveReference(u).String()
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
