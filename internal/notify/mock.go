package notify

import (
	"context"
	"sync"
)

// SentMessage records one mock delivery.
type SentMessage struct {
	To   string
	Body string
}

// MockTelephony records calls instead of placing them.
type MockTelephony struct {
	mu    sync.Mutex
	Calls []SentMessage
	Err   error
}

// NewMockTelephony creates an empty MockTelephony.
func NewMockTelephony() *MockTelephony {
	return &MockTelephony{}
}

func (m *MockTelephony) Call(ctx context.Context, to, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Calls = append(m.Calls, SentMessage{To: to, Body: message})
	return nil
}

// CallCount returns the number of successful calls.
func (m *MockTelephony) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// MockMessenger records staff messages instead of sending them.
type MockMessenger struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

// NewMockMessenger creates an empty MockMessenger.
func NewMockMessenger() *MockMessenger {
	return &MockMessenger{}
}

func (m *MockMessenger) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// SentCount returns the number of successful sends.
func (m *MockMessenger) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}
