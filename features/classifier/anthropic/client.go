// Package anthropic provides an intent.Classifier backed by the Anthropic
// Claude Messages API. It forces a single classify_intent tool call so the
// model returns structured output instead of free text, and maps the tool
// input back into an intent.Intent.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/orderflow/runtime/dialog/intent"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the classifier. It is satisfied by *sdk.MessageService so callers can
	// pass either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic classifier.
	Options struct {
		// Model is the Claude model identifier. Required. Use the typed model
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string
		// MaxTokens caps the completion. Defaults to 512; classification
		// output is a single small tool call.
		MaxTokens int
		// MaxHistory bounds how many prior messages are sent as context.
		// Defaults to 10.
		MaxHistory int
	}

	// Classifier implements intent.Classifier on top of Claude Messages.
	Classifier struct {
		msg        MessagesClient
		model      string
		maxTokens  int
		maxHistory int
	}
)

const toolName = "classify_intent"

// New builds an Anthropic-backed classifier from the provided Messages client
// and options.
func New(msg MessagesClient, opts Options) (*Classifier, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Classifier{
		msg:        msg,
		model:      opts.Model,
		maxTokens:  maxTokens,
		maxHistory: maxHistory,
	}, nil
}

// NewFromAPIKey constructs a classifier using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey, model string) (*Classifier, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Classify implements intent.Classifier. The tool choice is forced so the
// model cannot answer with prose; a response without the expected tool call is
// treated as general chat.
func (c *Classifier) Classify(ctx context.Context, text string, history []intent.Message) (intent.Intent, error) {
	if text == "" {
		return intent.Intent{}, errors.New("text is required")
	}
	params := sdk.MessageNewParams{
		Model:      sdk.Model(c.model),
		MaxTokens:  int64(c.maxTokens),
		System:     []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:   c.encodeMessages(text, history),
		Tools:      []sdk.ToolUnionParam{classifyTool()},
		ToolChoice: sdk.ToolChoiceParamOfTool(toolName),
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return intent.Intent{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != toolName {
			continue
		}
		return decodeToolInput(block.Input)
	}
	return fallbackIntent(), nil
}

func (c *Classifier) encodeMessages(text string, history []intent.Message) []sdk.MessageParam {
	if n := len(history); n > c.maxHistory {
		history = history[n-c.maxHistory:]
	}
	msgs := make([]sdk.MessageParam, 0, len(history)+1)
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(text)))
	return msgs
}

func classifyTool() sdk.ToolUnionParam {
	return sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{
		ExtraFields: map[string]any{
			"type":       "object",
			"properties": toolProperties,
			"required":   []string{"category", "action", "confidence"},
		},
	}, toolName)
}

// toolInput mirrors the classify_intent tool schema.
type toolInput struct {
	Category   string            `json:"category"`
	Action     string            `json:"action"`
	Confidence float64           `json:"confidence"`
	Slots      map[string]string `json:"slots"`
}

func decodeToolInput(raw json.RawMessage) (intent.Intent, error) {
	var in toolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return intent.Intent{}, fmt.Errorf("anthropic: decode tool input: %w", err)
	}
	return normalize(in), nil
}

func normalize(in toolInput) intent.Intent {
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

var toolProperties = map[string]any{
	"category": map[string]any{
		"type": "string",
		"enum": []string{"product", "coupon", "order", "general"},
	},
	"action": map[string]any{
		"type": "string",
		"enum": []string{"add", "remove", "search", "apply", "delivery", "checkout", "status", "cancel", "chat"},
	},
	"confidence": map[string]any{
		"type":    "number",
		"minimum": 0,
		"maximum": 1,
	},
	"slots": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"productName": map[string]any{"type": "string"},
			"quantity":    map[string]any{"type": "string"},
			"couponCode":  map[string]any{"type": "string"},
			"phone":       map[string]any{"type": "string"},
			"address":     map[string]any{"type": "string"},
			"orderID":     map[string]any{"type": "string"},
		},
		"additionalProperties": false,
	},
}

const systemPrompt = `You classify utterances from a Korean food ordering
conversation. Always call the classify_intent tool, never answer in prose.

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
