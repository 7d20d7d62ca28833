package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const shelfPrompt = `Identify every book visible on this shelf photo. Respond with a JSON
array of objects with "title", "author", optional "isbn" and a "confidence"
number between 0 and 1. Respond with the JSON array only.`

// ShelfBook is one book recognized on a shelf photo.
type ShelfBook struct {
	Title      string  `json:"title"`
	Author     string  `json:"author,omitempty"`
	ISBN       string  `json:"isbn,omitempty"`
	Confidence float64 `json:"confidence"`
}

// GeminiScanner recognizes books on shelf photos through the Gemini vision
// API.
type GeminiScanner struct {
	client *resty.Client
	apiKey string
	model  string
}

// NewGeminiScanner builds a scanner for model authenticated with apiKey.
// baseURL overrides the API endpoint when non-empty (tests).
func NewGeminiScanner(apiKey, model, baseURL string) *GeminiScanner {
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(120 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)
	return &GeminiScanner{client: client, apiKey: apiKey, model: model}
}

type geminiVisionPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiVisionRequest struct {
	Contents []struct {
		Parts []geminiVisionPart `json:"parts"`
	} `json:"contents"`
	Config *geminiConfig `json:"generationConfig,omitempty"`
}

// ScanShelf sends the photo inline with the recognition prompt and decodes
// the model's JSON answer.
func (g *GeminiScanner) ScanShelf(ctx context.Context, photo []byte) ([]ShelfBook, error) {
	var req geminiVisionRequest
	req.Contents = make([]struct {
		Parts []geminiVisionPart `json:"parts"`
	}, 1)
	req.Contents[0].Parts = []geminiVisionPart{
		{Text: shelfPrompt},
		{InlineData: &geminiInlineData{
			MIMEType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(photo),
		}},
	}
	req.Config = &geminiConfig{ResponseMIMEType: "application/json"}

	var out geminiResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("key", g.apiKey).
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("/models/%s:generateContent", g.model))
	if err != nil {
		return nil, fmt.Errorf("gemini vision request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gemini vision returned status %d", resp.StatusCode())
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini vision returned no candidates")
	}

	var books []ShelfBook
	if err := json.Unmarshal([]byte(out.Candidates[0].Content.Parts[0].Text), &books); err != nil {
		return nil, fmt.Errorf("decode gemini vision answer: %w", err)
	}
	return books, nil
}
