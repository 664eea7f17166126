package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/orderflow/runtime/dialog/intent"
)

type stubChatClient struct {
	resp   *openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (s *stubChatClient) New(_ context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func completion(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestClassifyParsesJSONContent(t *testing.T) {
	stub := &stubChatClient{resp: completion(
		`{"category":"product","action":"add","confidence":0.9,"slots":{"productName":"카페라떼","quantity":"3"}}`,
	)}
	cl, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	it, err := cl.Classify(context.Background(), "카페라떼 세 잔이요", nil)
	require.NoError(t, err)
	require.Equal(t, "product.add", it.Key())
	require.Equal(t, "카페라떼", it.Slots["productName"])
	require.Equal(t, "3", it.Slots["quantity"])
}

func TestClassifyToleratesCodeFences(t *testing.T) {
	stub := &stubChatClient{resp: completion(
		"```json\n{\"category\":\"coupon\",\"action\":\"apply\",\"confidence\":0.8,\"slots\":{\"couponCode\":\"SAVE2024\"}}\n```",
	)}
	cl, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	it, err := cl.Classify(context.Background(), "SAVE2024 쿠폰 써주세요", nil)
	require.NoError(t, err)
	require.Equal(t, "coupon.apply", it.Key())
	require.Equal(t, "SAVE2024", it.Slots["couponCode"])
}

func TestClassifyFallsBackOnProse(t *testing.T) {
	stub := &stubChatClient{resp: completion("무엇을 도와드릴까요?")}
	cl, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	it, err := cl.Classify(context.Background(), "음", nil)
	require.NoError(t, err)
	require.Equal(t, "general.chat", it.Key())
}

func TestClassifyIncludesHistoryAndSystemPrompt(t *testing.T) {
	stub := &stubChatClient{resp: completion(`{"category":"general","action":"chat","confidence":0.4}`)}
	cl, err := New(stub, Options{Model: "gpt-4o-mini", MaxHistory: 2})
	require.NoError(t, err)

	history := []intent.Message{
		{Role: "user", Content: "첫번째"},
		{Role: "assistant", Content: "두번째"},
		{Role: "user", Content: "세번째"},
	}
	_, err = cl.Classify(context.Background(), "안녕", history)
	require.NoError(t, err)

	// System prompt, two bounded history messages and the current utterance.
	require.Len(t, stub.params.Messages, 4)
}

func TestClassifyPropagatesProviderError(t *testing.T) {
	stub := &stubChatClient{err: errors.New("429 too many requests")}
	cl, err := New(stub, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = cl.Classify(context.Background(), "아메리카노", nil)
	require.ErrorContains(t, err, "429")
}

func TestClassifyRequiresText(t *testing.T) {
	cl, err := New(&stubChatClient{}, Options{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	_, err = cl.Classify(context.Background(), "", nil)
	require.Error(t, err)
}
