// Package claude implements classifier.Predictor with the Anthropic
// Messages API. The model is asked for a single priority word.
package claude

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lg1805/icss-web-app/internal/classifier"
)

const maxTokens = 16

const systemPrompt = `You classify maintenance complaints for diesel generator sets by urgency.
Answer with exactly one word: High, Moderate or Low.
High: safety risk, engine shutdown, fire, smoke, major leak, no power output.
Moderate: degraded performance, abnormal noise, intermittent faults.
Low: cosmetic issues, documentation, routine service requests.`

// Classifier predicts priority labels with a Claude model.
type Classifier struct {
	client anthropic.Client
	model  string
}

var _ classifier.Predictor = (*Classifier)(nil)

// New creates a Claude-backed classifier. Extra request options are passed
// to the SDK client.
func New(apiKey, model string, opts ...option.RequestOption) *Classifier {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Classifier{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Predict returns the model's label for text.
func (c *Classifier) Predict(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("claude: empty text")
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude: messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if label := firstWord(block.Text); label != "" {
			return label, nil
		}
	}
	return "", fmt.Errorf("claude: no label in response")
}

func firstWord(s string) string {
	for _, f := range strings.Fields(s) {
		w := strings.TrimFunc(f, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if w != "" {
			return w
		}
	}
	return ""
}
