// Package openai implements the image-analysis collaborator on top of an
// OpenAI-compatible Chat Completions endpoint with vision input.
package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zulandar/swatch/internal/funnel"
	"github.com/zulandar/swatch/internal/integrations/paramstore"
	"github.com/zulandar/swatch/internal/models"
)

const defaultBaseURL = "https://api.openai.com/v1"

// supportedMimeTypes are the image formats the vision endpoint accepts.
var supportedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}

const systemPrompt = `You are a personal color analyst. Look at the person in the photo and
return their seasonal color profile as JSON: season (spring, summer, autumn or winter with an
optional sub-type), undertone (warm, cool or neutral), contrast (low, medium or high), a palette of
8 to 12 flattering colors and up to 6 colors to avoid, each with a name and a #RRGGBB hex, and a
two-sentence summary written to the person. If no face is visible, return an empty season.`

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client analyzes photos with a vision-capable chat model.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	maxBytes   int64

	apiKey   string
	getter   paramstore.Getter
	keyParam string
	keyOnce  sync.Once
	keyErr   error
}

var _ funnel.Analyzer = (*Client)(nil)

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = strings.TrimSpace(model)
	}
}

// WithMaxImageBytes rejects larger images before they are uploaded.
func WithMaxImageBytes(n int64) Option {
	return func(c *Client) {
		c.maxBytes = n
	}
}

// WithKeyFromParamStore fetches the API key from SSM on first use instead
// of taking it from configuration.
func WithKeyFromParamStore(g paramstore.Getter, name string) Option {
	return func(c *Client) {
		c.getter = g
		c.keyParam = strings.TrimSpace(name)
	}
}

// NewClient creates a Client. apiKey may be empty when the key comes from
// the parameter store.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      "gpt-4o-mini",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		maxBytes:   8 << 20,
		apiKey:     strings.TrimSpace(apiKey),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if c.apiKey == "" && (c.getter == nil || c.keyParam == "") {
		return nil, errors.New("openai: api key or parameter store key is required")
	}
	return c, nil
}

// resolveAPIKey returns the configured key, fetching it from the parameter
// store once per process when needed.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	if c.getter == nil || c.keyParam == "" {
		return c.apiKey, nil
	}
	c.keyOnce.Do(func() {
		var v string
		v, c.keyErr = c.getter.GetParameter(ctx, c.keyParam)
		if c.keyErr == nil {
			c.apiKey = strings.TrimSpace(v)
			if c.apiKey == "" {
				c.keyErr = errors.New("openai: API key parameter is empty")
			}
		}
	})
	return c.apiKey, c.keyErr
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Analyze sends the photo to the model and returns the parsed color
// profile. Failures are *funnel.AnalysisError values.
func (c *Client) Analyze(ctx context.Context, image []byte, mimeType string) (*models.AnalysisRecord, error) {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if len(image) == 0 {
		return nil, analysisErr(funnel.AnalysisInvalidFormat, errors.New("openai: empty image"))
	}
	if !supportedMimeTypes[mimeType] {
		return nil, analysisErr(funnel.AnalysisInvalidFormat, fmt.Errorf("openai: unsupported image type %q", mimeType))
	}
	if c.maxBytes > 0 && int64(len(image)) > c.maxBytes {
		return nil, analysisErr(funnel.AnalysisInvalidFormat, fmt.Errorf("openai: image is %d bytes, limit %d", len(image), c.maxBytes))
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, analysisErr(funnel.AnalysisUnknown, err)
	}

	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: []contentPart{{Type: "text", Text: systemPrompt}}},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: "Analyze my colors."},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
		ResponseFormat: analysisResponseFormat(),
	})
	if err != nil {
		return nil, analysisErr(funnel.AnalysisUnknown, fmt.Errorf("openai: marshal request: %w", err))
	}

	url := chatURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, analysisErr(funnel.AnalysisUnknown, fmt.Errorf("openai: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return parseAnalysis(raw)
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read response body: %w", err)
	}
	return buf, nil
}

// parseAnalysis pulls the model's JSON answer out of the completion and
// decodes it. A profile without a season means no face was found.
func parseAnalysis(raw []byte) (*models.AnalysisRecord, error) {
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() || content.String() == "" {
		if refusal := gjson.GetBytes(raw, "choices.0.message.refusal"); refusal.String() != "" {
			return nil, analysisErr(funnel.AnalysisInvalidFormat, fmt.Errorf("openai: model refused: %s", refusal.String()))
		}
		return nil, analysisErr(funnel.AnalysisUnknown, errors.New("openai: no choices in response"))
	}

	var rec models.AnalysisRecord
	if err := json.Unmarshal([]byte(content.String()), &rec); err != nil {
		return nil, analysisErr(funnel.AnalysisUnknown, fmt.Errorf("openai: decode analysis: %w", err))
	}
	if strings.TrimSpace(rec.Season) == "" {
		return nil, analysisErr(funnel.AnalysisInvalidFormat, errors.New("openai: no face found in photo"))
	}
	if len(rec.Palette) == 0 {
		return nil, analysisErr(funnel.AnalysisUnknown, errors.New("openai: analysis has no palette"))
	}
	return &rec, nil
}

// classify maps a transport or status failure to an analysis error kind.
func classify(ctx context.Context, err error) error {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return analysisErr(funnel.AnalysisRateLimited, err)
		case statusErr.StatusCode == http.StatusGatewayTimeout || statusErr.StatusCode == http.StatusRequestTimeout:
			return analysisErr(funnel.AnalysisTimeout, err)
		case statusErr.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(statusErr.Body), "image"):
			return analysisErr(funnel.AnalysisInvalidFormat, err)
		}
		return analysisErr(funnel.AnalysisUnknown, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return analysisErr(funnel.AnalysisTimeout, err)
	}
	return analysisErr(funnel.AnalysisUnknown, fmt.Errorf("openai: request failed: %w", err))
}

func analysisErr(kind funnel.AnalysisErrorKind, err error) *funnel.AnalysisError {
	return &funnel.AnalysisError{Kind: kind, Err: err}
}

func analysisResponseFormat() *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   "color_analysis",
			Strict: true,
			Schema: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"season":{"type":"string"},
					"undertone":{"type":"string"},
					"contrast":{"type":"string"},
					"palette":{"type":"array","items":{"$ref":"#/$defs/swatch"}},
					"avoid":{"type":"array","items":{"$ref":"#/$defs/swatch"}},
					"summary":{"type":"string"}
				},
				"required":["season","undertone","contrast","palette","avoid","summary"],
				"$defs":{
					"swatch":{
						"type":"object",
						"additionalProperties":false,
						"properties":{"name":{"type":"string"},"hex":{"type":"string"}},
						"required":["name","hex"]
					}
				}
			}`),
		},
	}
}
