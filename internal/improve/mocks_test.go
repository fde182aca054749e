package improve

import "context"

// stubClient returns canned responses for generation, in order. The last
// response repeats once the script runs out.
type stubClient struct {
	responses []string
	err       error
	calls     int
}

func (c *stubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

func (c *stubClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	i := c.calls
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	c.calls++
	if i < 0 {
		return "", nil
	}
	return c.responses[i], nil
}
