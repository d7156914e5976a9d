package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/gridcredit"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider is the Gemini image generation adapter.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

var _ gridcredit.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

// Gemini API types.
type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	ModelVersion string `json:"modelVersion"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

func (p *Provider) GenerateGrid(ctx context.Context, req gridcredit.ProviderRequest) (gridcredit.ProviderResponse, error) {
	if len(req.Prompts) != gridcredit.GridArity {
		return gridcredit.ProviderResponse{}, fmt.Errorf("%w: gemini grid needs %d prompts, got %d",
			gridcredit.ErrInvalidRequest, gridcredit.GridArity, len(req.Prompts))
	}

	body := buildRequest(req)
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)

	httpResp, err := p.doRequest(ctx, url, req.Credential.APIKey, body)
	if err != nil {
		return gridcredit.ProviderResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return gridcredit.ProviderResponse{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return gridcredit.ProviderResponse{}, &gridcredit.ProviderError{
			Message: "decode gemini response",
			Err:     err,
		}
	}

	out := gridcredit.ProviderResponse{Model: req.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	for _, c := range resp.Candidates {
		for _, part := range c.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && out.Image.Empty() {
				out.Image = gridcredit.Artifact{MIMEType: part.InlineData.MimeType, Data: part.InlineData.Data}
			}
			if part.Text != "" {
				out.Text += part.Text
			}
		}
	}
	return out, nil
}

func buildRequest(req gridcredit.ProviderRequest) geminiRequest {
	mime := req.Reference.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	imageConfig := &geminiImageConfig{AspectRatio: "1:1"}
	if strings.Contains(req.Model, "-pro-") {
		imageConfig.ImageSize = "2K"
	}
	return geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{MimeType: mime, Data: req.Reference.Data}},
				{Text: GridPrompt(req)},
			},
		}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        imageConfig,
		},
	}
}

// GridPrompt renders the instruction text sent alongside the reference image.
func GridPrompt(req gridcredit.ProviderRequest) string {
	var b strings.Builder
	b.WriteString("Create a 2x2 grid image containing 4 distinct die-cut stickers.\n\n")

	if req.Mode == gridcredit.ModeClone {
		b.WriteString("The attached image is the master visual reference, a grid of stickers. ")
		b.WriteString("Draw new stickers of exactly the same characters. Copy clothing details, ")
		b.WriteString("line width, color palette and shading from the attached image. ")
		b.WriteString("If the character description below conflicts with the image, follow the image.\n\n")
	} else {
		b.WriteString("Use the attached photo as the character reference and transform it into the requested style.\n\n")
	}

	if req.Description != "" {
		fmt.Fprintf(&b, "Character description: %s\n", req.Description)
	}
	if req.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s\n", req.Style)
	}

	b.WriteString("\nGrid layout:\n")
	positions := [gridcredit.GridArity]string{"Top left", "Top right", "Bottom left", "Bottom right"}
	for i, prompt := range req.Prompts {
		fmt.Fprintf(&b, "- %s: %s\n", positions[i], prompt)
	}

	b.WriteString("\nAll 4 stickers depict the same subject. No captions; text inside speech bubbles is allowed. ")
	b.WriteString("Solid light gray background (#E0E0E0), thick white die-cut outline around each sticker, strict non-overlapping 2x2 layout.")
	return b.String()
}

func (p *Provider) doRequest(ctx context.Context, url, apiKey string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gridcredit: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("gridcredit: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &gridcredit.ProviderError{Message: "gemini request failed", Err: err}
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	pe := &gridcredit.ProviderError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var eb geminiErrorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error.Message != "" {
		pe.Message = eb.Error.Message
		for _, d := range eb.Error.Details {
			if d.Reason != "" {
				pe.Reason = d.Reason
				break
			}
		}
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(resp.StatusCode)
	}
	return pe
}
