package decision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/example/stayrace/internal/domain/booking"
)

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiReasoner asks a Gemini model for a recommendation in a fixed JSON
// shape: {"action": "...", "confidence": 0.0, "reason": "..."}.
type GeminiReasoner struct {
	client *genai.Client
	model  generator
}

func NewGeminiReasoner(ctx context.Context, apiKey, model string) (*GeminiReasoner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key required")
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	m := client.GenerativeModel(model)
	m.SetTemperature(0.1)
	m.ResponseMIMEType = "application/json"
	m.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	return &GeminiReasoner{client: client, model: m}, nil
}

func (g *GeminiReasoner) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

const systemPrompt = `You watch a hotel listing page for a booking bot.
Reply with one JSON object and nothing else:
{"action": "WAIT" | "ATTEMPT" | "ABANDON", "confidence": <0..1>, "reason": "<short>"}
ATTEMPT only when the page shows the listing as bookable now.
ABANDON when the listing will clearly not become bookable.`

func (g *GeminiReasoner) Recommend(ctx context.Context, st booking.PageState, history []booking.AttemptTrace) (booking.Recommendation, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text(buildPrompt(st, history)))
	if err != nil {
		return booking.Recommendation{}, classifyAPIError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return booking.Recommendation{}, fmt.Errorf("gemini: empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return ParseRecommendation(sb.String())
}

// classifyAPIError marks rejected credentials and malformed calls as
// structural; retrying them cannot succeed.
func classifyAPIError(err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch ge.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return booking.Structural("decide", "reasoner auth", err)
		}
	}
	return fmt.Errorf("gemini generate: %w", err)
}

func buildPrompt(st booking.PageState, history []booking.AttemptTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Listing: %s\nURL: %s\nTitle: %s\n", st.Ref.ID, st.URL, st.Title)
	fmt.Fprintf(&b, "Available: %t\nScarce: %t\n", st.Available, st.Scarce)
	if st.Price > 0 {
		fmt.Fprintf(&b, "Price per night: %.2f %s\n", st.Price, st.Currency)
	}
	if st.Excerpt != "" {
		fmt.Fprintf(&b, "Page excerpt:\n%s\n", st.Excerpt)
	}
	if len(history) > 0 {
		b.WriteString("\nSimilar past outcomes:\n")
		for _, t := range history {
			fmt.Fprintf(&b, "- %s -> %s (%s)\n", t.Summary, t.Outcome, t.Detail)
		}
	}
	return b.String()
}
