// Package reasoning provides the LLM client used by the change generator.
package reasoning

import "context"

// Client is the minimal LLM interface the pipeline depends on.
type Client interface {
	// Complete sends a prompt and returns the completion.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a prompt with a system message.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
