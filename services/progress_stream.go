package services

import (
	"context"
	"sync"

	"bulk-order-service/models"
)

// ProgressStream is a one-way channel from the processor to the caller. The producer never
// blocks and never fails: once the consumer is gone, sends are dropped.
type ProgressStream struct {
	ch chan models.StreamMessage

	mu           sync.Mutex
	closed       bool
	disconnected bool
	dropped      int
}

// NewProgressStream sizes the buffer for every row plus the terminal message.
func NewProgressStream(rows int) *ProgressStream {
	return &ProgressStream{ch: make(chan models.StreamMessage, rows+2)}
}

func (s *ProgressStream) Emit(event models.ProgressEvent) {
	s.send(models.StreamMessage{Type: models.StreamProgress, Payload: event}, false)
}

// Complete sends the final result and closes the stream.
func (s *ProgressStream) Complete(result models.BulkResult) {
	s.send(models.StreamMessage{Type: models.StreamComplete, Payload: result}, true)
}

// Error sends a terminal error and closes the stream.
func (s *ProgressStream) Error(operationID, code, message string) {
	s.send(models.StreamMessage{Type: models.StreamError, Payload: map[string]string{
		"operation_id": operationID,
		"code":         code,
		"message":      message,
	}}, true)
}

func (s *ProgressStream) send(msg models.StreamMessage, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.disconnected {
		select {
		case s.ch <- msg:
		default:
			s.dropped++
		}
	}
	if last {
		s.closed = true
		close(s.ch)
	}
}

// Disconnect turns every later send into a no-op.
func (s *ProgressStream) Disconnect() {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
}

// Dropped reports how many messages were not delivered because the buffer was full.
func (s *ProgressStream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run consumes the stream until it is closed, ctx is done, or write fails.
func (s *ProgressStream) Run(ctx context.Context, write func(models.StreamMessage) error) {
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return
			}
			if err := write(msg); err != nil {
				s.Disconnect()
				return
			}
		case <-ctx.Done():
			s.Disconnect()
			return
		}
	}
}
