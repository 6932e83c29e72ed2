package llmclient

import "context"

// StubProvider is a deterministic, network-free Provider used when
// llm.provider = "stub" and in tests. It returns Reply unconditionally, or
// Err if set.
type StubProvider struct {
	Reply string
	Err   error
}

// Complete implements Provider.
func (s *StubProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	return s.Reply, nil
}
