package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
)

type GeminiOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// GeminiClient calls the Gemini generateContent endpoint with image output enabled.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiPromptFeedback struct {
	BlockReason        string `json:"blockReason,omitempty"`
	BlockReasonMessage string `json:"blockReasonMessage,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// Finish reasons that mean the model stopped on policy grounds.
var blockingFinishReasons = map[string]struct{}{
	"SAFETY":                   {},
	"IMAGE_SAFETY":             {},
	"PROHIBITED_CONTENT":       {},
	"IMAGE_PROHIBITED_CONTENT": {},
	"BLOCKLIST":                {},
	"SPII":                     {},
	"RECITATION":               {},
	"IMAGE_RECITATION":         {},
}

func NewGeminiClient(opts GeminiOptions) (*GeminiClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-2.5-flash-image"
	}

	return &GeminiClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
	}, nil
}

func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	parts := make([]geminiPart, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: img.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	parts = append(parts, geminiPart{Text: strings.TrimSpace(req.Prompt)})

	payload := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			CandidateCount:     1,
		},
	}

	var out geminiResponse
	if err := c.invoke(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &out); err != nil {
		return Response{}, err
	}
	return c.interpret(out)
}

func (c *GeminiClient) interpret(out geminiResponse) (Response, error) {
	if fb := out.PromptFeedback; fb != nil && fb.BlockReason != "" {
		msg := strings.TrimSpace(fb.BlockReasonMessage)
		if msg == "" {
			msg = "request blocked by content policy: " + fb.BlockReason
		}
		return Response{}, &domain.RefusalError{Reason: domain.RefusalHard, Message: msg}
	}

	model := firstNonEmpty(out.ModelVersion, c.model)
	var (
		texts        []string
		finishReason string
	)
	for _, candidate := range out.Candidates {
		if candidate.FinishReason != "" {
			finishReason = candidate.FinishReason
		}
		for _, part := range candidate.Content.Parts {
			switch {
			case part.InlineData != nil && part.InlineData.Data != "":
				data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return Response{}, fmt.Errorf("decode inline image: %w", err)
				}
				return Response{
					ImageData: data,
					MIMEType:  firstNonEmpty(part.InlineData.MimeType, "image/png"),
					Model:     model,
					Text:      strings.Join(texts, "\n"),
				}, nil
			case part.FileData != nil && part.FileData.FileURI != "":
				return Response{
					ImageURL: part.FileData.FileURI,
					MIMEType: firstNonEmpty(part.FileData.MimeType, "image/png"),
					Model:    model,
					Text:     strings.Join(texts, "\n"),
				}, nil
			case strings.TrimSpace(part.Text) != "":
				texts = append(texts, strings.TrimSpace(part.Text))
			}
		}
	}

	if _, blocked := blockingFinishReasons[finishReason]; blocked {
		return Response{}, &domain.RefusalError{
			Reason:  domain.RefusalHard,
			Message: "generation blocked by content policy: " + finishReason,
		}
	}
	if len(texts) > 0 {
		// The model answered in prose instead of drawing: a soft refusal.
		return Response{}, &domain.RefusalError{Reason: domain.RefusalSoft, Message: strings.Join(texts, "\n")}
	}
	if finishReason != "" {
		return Response{}, fmt.Errorf("gemini returned no image (finish_reason=%s)", finishReason)
	}
	return Response{}, fmt.Errorf("gemini returned no image")
}

func (c *GeminiClient) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr geminiErrorResponse
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, text)
		}
		return fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
