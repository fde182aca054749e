package generation

import "context"

// mockClient is a scriptable reasoning.Client for tests.
type mockClient struct {
	response string
	err      error
	lastUser string
	lastSys  string
}

func (m *mockClient) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *mockClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.lastSys = systemPrompt
	m.lastUser = userPrompt
	return m.response, m.err
}
