package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const csvPrompt = `Parse the following CSV export of a book library into a JSON array.
Each element must be an object with "title" and "author" strings and an
optional "isbn" string. Skip header rows and rows without a title. Respond
with the JSON array only.

CSV:
`

// GeminiParser parses CSV bodies through the Gemini generateContent API.
type GeminiParser struct {
	client *resty.Client
	apiKey string
	model  string
}

// NewGeminiParser builds a parser for model authenticated with apiKey.
// baseURL overrides the API endpoint when non-empty (tests).
func NewGeminiParser(apiKey, model, baseURL string) *GeminiParser {
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(90 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(2 * time.Second)
	return &GeminiParser{client: client, apiKey: apiKey, model: model}
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
	Config   *geminiConfig   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// Parse uploads the CSV body inline with the parsing prompt and decodes the
// model's JSON answer.
func (g *GeminiParser) Parse(ctx context.Context, csvBody []byte) ([]ParsedBook, error) {
	req := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: csvPrompt + string(csvBody)}}}},
		Config:   &geminiConfig{ResponseMIMEType: "application/json"},
	}

	var out geminiResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("key", g.apiKey).
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("/models/%s:generateContent", g.model))
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gemini returned status %d", resp.StatusCode())
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	text := out.Candidates[0].Content.Parts[0].Text
	var books []ParsedBook
	if err := json.Unmarshal([]byte(text), &books); err != nil {
		return nil, fmt.Errorf("decode gemini answer: %w", err)
	}
	return books, nil
}
