package upstream

import (
	"context"
	"errors"
	"net/http"

	"deepchat/models"

	"github.com/sashabaranov/go-openai"
)

// Complete runs one non-streaming completion and returns
// choices[0].message.content. It is not retried.
func (c *Client) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	if err := validate(messages); err != nil {
		return "", err
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := c.openai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:            c.cfg.Model,
		Messages:         msgs,
		Temperature:      float32(c.cfg.Temperature),
		TopP:             float32(c.cfg.TopP),
		MaxTokens:        c.cfg.MaxTokens,
		FrequencyPenalty: float32(c.cfg.FrequencyPenalty),
		PresencePenalty:  float32(c.cfg.PresencePenalty),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", c.completionError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Endpoint: c.cfg.Name, Err: errors.New("no choices in response")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) completionError(err error) *Error {
	uerr := &Error{Endpoint: c.cfg.Name, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		uerr.StatusCode = apiErr.HTTPStatusCode
		uerr.Body = apiErr.Message
	case errors.As(err, &reqErr):
		uerr.StatusCode = reqErr.HTTPStatusCode
	}
	uerr.Transient = uerr.StatusCode == http.StatusServiceUnavailable || uerr.StatusCode == http.StatusRequestTimeout
	return uerr
}
