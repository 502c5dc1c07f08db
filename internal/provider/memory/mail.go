package memory

import (
	"context"
	"sync"

	"projectflow/internal/provider"
)

// Mailer records sent messages.
type Mailer struct {
	Faults

	mu   sync.Mutex
	sent []provider.Message
}

func (m *Mailer) Send(ctx context.Context, msg provider.Message) error {
	if err := m.hit("send"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *Mailer) Sent() []provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Message(nil), m.sent...)
}

// SentTo returns messages whose To list contains address.
func (m *Mailer) SentTo(address string) []provider.Message {
	var out []provider.Message
	for _, msg := range m.Sent() {
		for _, to := range msg.To {
			if to == address {
				out = append(out, msg)
				break
			}
		}
	}
	return out
}

func (m *Mailer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

// Forms is an in-memory submission queue.
type Forms struct {
	Faults

	mu      sync.Mutex
	pending []provider.Submission
	acked   map[string]bool
}

func (f *Forms) Add(sub provider.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, sub)
}

func (f *Forms) Pending(ctx context.Context) ([]provider.Submission, error) {
	if err := f.hit("pending"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.Submission
	for _, s := range f.pending {
		if !f.acked[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Forms) Ack(ctx context.Context, id string) error {
	if err := f.hit("ack"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acked == nil {
		f.acked = map[string]bool{}
	}
	f.acked[id] = true
	return nil
}

func (f *Forms) Acked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked[id]
}
