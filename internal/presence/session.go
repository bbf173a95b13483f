package presence

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
)

// Session is one user's presence on one note. It owns the heartbeat and any watches
// opened through it; Leave releases all of them.
type Session struct {
	engine      *Engine
	key         sessionKey
	participant Participant
	color       string
	cancel      context.CancelFunc
	done        chan struct{}

	mu        sync.Mutex
	watches   []func()
	left      bool
	leaveOnce sync.Once
}

// NoteID returns the note the session is on.
func (s *Session) NoteID() notes.NoteID {
	return notes.NoteID(s.key.noteID)
}

// Color returns the participant's presence color.
func (s *Session) Color() string {
	return s.color
}

// Watch subscribes to the note's active participants for the lifetime of the session.
func (s *Session) Watch(callback func([]Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return context.Canceled
	}
	stop, err := s.engine.Subscribe(context.Background(), s.NoteID(), callback)
	if err != nil {
		return err
	}
	s.watches = append(s.watches, stop)
	return nil
}

// Leave stops the heartbeat and the watches, then marks the record inactive. The
// final write is best-effort; a stale record expires on its own.
func (s *Session) Leave(ctx context.Context) {
	s.leaveOnce.Do(func() {
		s.cancel()
		<-s.done

		s.mu.Lock()
		s.left = true
		watches := s.watches
		s.watches = nil
		s.mu.Unlock()
		for _, stop := range watches {
			stop()
		}

		s.engine.forget(s)
		if err := s.engine.writeInactive(ctx, s.key); err != nil {
			s.engine.logWarn("presence leave write failed", err, s.key)
		}
	})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.engine.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.writeHeartbeat(ctx, s); err != nil && ctx.Err() == nil {
				s.engine.logWarn("presence heartbeat failed", err, s.key)
			}
		}
	}
}
