// Package openai provides an intent.Classifier backed by the OpenAI Chat
// Completions API. The model is instructed to answer with a single JSON
// object; the response content is parsed and mapped into an intent.Intent.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/orderflow/runtime/dialog/intent"
)

type (
	// ChatClient captures the subset of the openai-go client used by the
	// classifier. It is satisfied by *openai.ChatCompletionService so callers
	// can pass either a real client or a fake in tests.
	ChatClient interface {
		New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the OpenAI classifier.
	Options struct {
		// Model is the chat model identifier. Required.
		Model string
		// MaxHistory bounds how many prior messages are sent as context.
		// Defaults to 10.
		MaxHistory int
	}

	// Classifier implements intent.Classifier via OpenAI Chat Completions.
	Classifier struct {
		chat       ChatClient
		model      string
		maxHistory int
	}
)

// New builds an OpenAI-backed classifier from the provided chat client and
// options.
func New(chat ChatClient, opts Options) (*Classifier, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Classifier{chat: chat, model: opts.Model, maxHistory: maxHistory}, nil
}

// NewFromAPIKey constructs a classifier using the default openai-go HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Classifier, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, Options{Model: model})
}

// Classify implements intent.Classifier. A response that cannot be parsed as
// the expected JSON object is treated as general chat rather than an error:
// the router degrades gracefully when the provider rambles.
func (c *Classifier) Classify(ctx context.Context, text string, history []intent.Message) (intent.Intent, error) {
	if text == "" {
		return intent.Intent{}, errors.New("text is required")
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    c.encodeMessages(text, history),
		Temperature: openai.Float(0),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return intent.Intent{}, errors.New("openai: response has no choices")
	}
	return parseContent(resp.Choices[0].Message.Content), nil
}

func (c *Classifier) encodeMessages(text string, history []intent.Message) []openai.ChatCompletionMessageParamUnion {
	if n := len(history); n > c.maxHistory {
		history = history[n-c.maxHistory:]
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	msgs = append(msgs, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(text))
	return msgs
}

// classification mirrors the JSON shape the system prompt requests.
type classification struct {
	Category   string            `json:"category"`
	Action     string            `json:"action"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots"`
}

// parseContent extracts the JSON object from the completion content. Models
// occasionally wrap the object in a code fence or prose; the parser tolerates
// both.
func parseContent(content string) intent.Intent {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fallbackIntent()
	}
	var out classification
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return fallbackIntent()
	}
	return normalize(out)
}

func normalize(in classification) intent.Intent {
	category := intent.Category(in.Category)
	switch category {
	case intent.CategoryProduct, intent.CategoryCoupon, intent.CategoryOrder, intent.CategoryGeneral:
	default:
		return fallbackIntent()
	}
	if in.Action == "" {
		return fallbackIntent()
	}
	conf := in.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	slots := make(map[string]string, len(in.Slots))
	for name, v := range in.Slots {
		if v != "" {
			slots[name] = v
		}
	}
	return intent.Intent{
		Category:   category,
		Action:     in.Action,
		Confidence: conf,
		Slots:      slots,
	}
}

func fallbackIntent() intent.Intent {
	return intent.Intent{
		Category:   intent.CategoryGeneral,
		Action:     "chat",
		Confidence: 0.3,
		Slots:      map[string]string{},
	}
}

const systemPrompt = `You classify utterances from a Korean food ordering
conversation. Answer with a single JSON object and nothing else:

{"category":"...","action":"...","confidence":0.0,"slots":{...}}

Categories and actions:
- product: add (put an item in the cart), remove, search
- coupon: apply
- order: delivery (checkout with delivery details), checkout, status, cancel
- general: chat (greetings, small talk, anything without a business action)

Slots are strings: productName, quantity (numeric string), couponCode, phone
(digits only), address, orderID. Extract only values present in the utterance;
never invent values. Korean quantity words ("두 잔", "세 개") convert to
numeric strings ("2", "3"). Confidence reflects how certain the
classification is, between 0 and 1.`
