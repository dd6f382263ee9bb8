package llm

import "context"

type stubClient struct {
	name    string
	pingErr error
	pings   int
}

func (s *stubClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return &ChatResponse{Model: s.name}, nil
}

func (s *stubClient) Ping(ctx context.Context) error {
	s.pings++
	return s.pingErr
}
