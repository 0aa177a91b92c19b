package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tradevault/recon-engine/internal/provider"
)

const inferenceModel = "gemini-2.5-flash"

// GeminiInferrer asks a Gemini model to identify the security behind a
// CUSIP. This is the tier of last resort: its answers are stored with
// confidence capped well below provider-sourced mappings and are never
// marked verified.
type GeminiInferrer struct {
	client *genai.Client
}

// NewGeminiInferrer creates the inference client.
func NewGeminiInferrer(ctx context.Context, apiKey string) (*GeminiInferrer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiInferrer{client: client}, nil
}

type inferenceAnswer struct {
	Ticker  string `json:"ticker"`
	Company string `json:"company"`
	Known   bool   `json:"known"`
}

func (g *GeminiInferrer) Infer(ctx context.Context, cusip string) (*provider.TickerInfo, error) {
	prompt := fmt.Sprintf(`Identify the US-listed security with CUSIP %q.
Respond with JSON only: {"ticker": "...", "company": "...", "known": true}.
If you are not certain which security this CUSIP identifies, respond
{"known": false}.`, cusip)

	resp, err := g.client.Models.GenerateContent(ctx, inferenceModel, genai.Text(prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("inference for %s: %w", cusip, err)
	}

	text := strings.TrimSpace(resp.Text())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var answer inferenceAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &answer); err != nil {
		return nil, fmt.Errorf("unparseable inference answer for %s: %w", cusip, err)
	}
	if !answer.Known || answer.Ticker == "" {
		return nil, nil
	}
	return &provider.TickerInfo{
		Ticker:      strings.ToUpper(answer.Ticker),
		CompanyName: answer.Company,
		Confidence:  100, // capped by the resolver before persisting
	}, nil
}
