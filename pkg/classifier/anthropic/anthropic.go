// Package anthropic provides a classifier.Classifier backed by the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hostlinkhq/hostlink/pkg/classifier"
	"github.com/hostlinkhq/hostlink/pkg/registry"
)

const systemPrompt = `You are a routing classifier. Given a user request and a list of
available service types, answer with exactly one service type from the list
and nothing else. If none fit, answer "none".`

// Options configure the Anthropic classifier.
type Options struct {
	Model     string
	MaxTokens int64
	APIKey    string
}

// Classifier wraps the Anthropic Messages API behind the
// classifier.Classifier interface.
type Classifier struct {
	client *anthropic.Client
	opts   Options
}

// NewClassifier creates a classifier using the official client.
func NewClassifier(optFns ...func(o *Options)) *Classifier {
	opts := Options{
		Model:     string(anthropic.ModelClaude3_5Haiku20241022),
		MaxTokens: 64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Classifier{client: &client, opts: opts}
}

// NewClassifierFromClient creates a classifier from an existing client.
func NewClassifierFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Classifier {
	opts := Options{
		Model:     string(anthropic.ModelClaude3_5Haiku20241022),
		MaxTokens: 64,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Classifier{client: client, opts: opts}
}

// Classify asks the model for a single service-type label.
func (c *Classifier) Classify(ctx context.Context, prompt string, skills []registry.Skill) (string, error) {
	userMsg := fmt.Sprintf("Available service types:\n%s\nUser request: %s",
		classifier.TypeList(skills), prompt)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.opts.Model),
		MaxTokens: c.opts.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMsg)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("classifier:anthropic - message failed: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}

	label := strings.TrimSpace(strings.ToLower(out.String()))
	if label == "" || label == "none" {
		return "", classifier.ErrUnclassified
	}
	return label, nil
}
