package ai

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider calls any OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	client *openai.Client
	apiKey string
	model  string
}

// NewOpenAIProvider builds a provider. baseURL may be empty for the public
// API. A missing key is reported on first use as ErrNotConfigured.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		apiKey: apiKey,
		model:  model,
	}
}

func (p *OpenAIProvider) request(messages []Message, stream bool) (openai.ChatCompletionRequest, error) {
	if err := p.Ready(); err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    oaMsgs,
		Temperature: 0.2,
		Stream:      stream,
	}, nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	req, err := p.request(messages, false)
	if err != nil {
		return "", err
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "openai")
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		req, err := p.request(messages, true)
		if err != nil {
			errs <- err
			return
		}
		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errs <- errors.Wrap(err, "openai")
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- errors.Wrap(err, "openai: read stream")
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta != "" && !send(ctx, chunks, delta) {
				errs <- ctx.Err()
				return
			}
		}
	}()

	return chunks, errs
}

func (p *OpenAIProvider) Ready() error {
	if strings.TrimSpace(p.apiKey) == "" {
		return errors.WithMessage(ErrNotConfigured, "openai")
	}
	return nil
}
