package stageflow

import "sync"

// recordingSink captures every emitted event for assertions. Shared by
// every test file in this package.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type string
	Data map[string]any
}

func (s *recordingSink) Emit(eventType string, data map[string]any) error {
	s.TryEmit(eventType, data)
	return nil
}

func (s *recordingSink) TryEmit(eventType string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Type: eventType, Data: data})
}

func (s *recordingSink) snapshot() []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedEvent(nil), s.events...)
}

func (s *recordingSink) countOf(eventType string) int {
	n := 0
	for _, e := range s.snapshot() {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

var _ EventSink = (*recordingSink)(nil)
