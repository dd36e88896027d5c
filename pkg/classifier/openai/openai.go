// Package openai provides a classifier.Classifier backed by the OpenAI
// Chat Completions API. A single non-streaming call asks the model to pick
// one service type from the advertised list; the dispatcher still validates
// the answer against the registry.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hostlinkhq/hostlink/pkg/classifier"
	"github.com/hostlinkhq/hostlink/pkg/registry"
)

const systemPrompt = `You are a routing classifier. Given a user request and a list of
available service types, answer with exactly one service type from the list
and nothing else. If none fit, answer "none".`

// Options configure the OpenAI classifier.
type Options struct {
	Model string
}

// Classifier wraps the OpenAI Chat Completions API behind the
// classifier.Classifier interface.
type Classifier struct {
	client *openai.Client
	opts   Options
}

// NewClassifier creates a classifier using the default client (API key from
// the environment).
func NewClassifier(optFns ...func(o *Options)) *Classifier {
	client := openai.NewClient()
	return NewClassifierFromClient(&client, optFns...)
}

// NewClassifierFromClient creates a classifier from an existing client.
func NewClassifierFromClient(client *openai.Client, optFns ...func(o *Options)) *Classifier {
	opts := Options{Model: openai.ChatModelGPT4oMini}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Classifier{client: client, opts: opts}
}

// Classify asks the model for a single service-type label.
func (c *Classifier) Classify(ctx context.Context, prompt string, skills []registry.Skill) (string, error) {
	userMsg := fmt.Sprintf("Available service types:\n%s\nUser request: %s",
		classifier.TypeList(skills), prompt)

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userMsg),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classifier:openai - completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", classifier.ErrUnclassified
	}

	label := strings.TrimSpace(strings.ToLower(completion.Choices[0].Message.Content))
	if label == "" || label == "none" {
		return "", classifier.ErrUnclassified
	}
	return label, nil
}
