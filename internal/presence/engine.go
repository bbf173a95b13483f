package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/remote"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultTimeout           = 30 * time.Second
	defaultRemoteTimeout     = 10 * time.Second
	minTimeoutRatio          = 5
)

var (
	// ErrInvalidTiming indicates a heartbeat too slow for the staleness timeout.
	ErrInvalidTiming = errors.New("presence: timeout must be at least five heartbeat intervals")
	// ErrInvalidParticipant indicates a join without a user id.
	ErrInvalidParticipant = errors.New("presence: participant id required")
)

// Config describes the dependencies and timing of the presence engine.
type Config struct {
	Remote            remote.Store
	Clock             func() time.Time
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	RemoteTimeout     time.Duration
	Logger            *zap.Logger
}

type sessionKey struct {
	noteID string
	userID string
}

// Engine tracks which users are on which notes.
type Engine struct {
	remote        remote.Store
	clock         func() time.Time
	heartbeat     time.Duration
	timeout       time.Duration
	remoteTimeout time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("presence: remote store is required")
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout < heartbeat*minTimeoutRatio {
		return nil, fmt.Errorf("%w: heartbeat %s, timeout %s", ErrInvalidTiming, heartbeat, timeout)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	remoteTimeout := cfg.RemoteTimeout
	if remoteTimeout <= 0 {
		remoteTimeout = defaultRemoteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		remote:        cfg.Remote,
		clock:         clock,
		heartbeat:     heartbeat,
		timeout:       timeout,
		remoteTimeout: remoteTimeout,
		logger:        logger,
		sessions:      make(map[sessionKey]*Session),
	}, nil
}

// Timeout returns the staleness timeout.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Join announces participant on the note and starts the heartbeat. The initial write
// is best-effort: a failure is logged and the session still starts. Joining again
// for the same note and user replaces the previous session.
func (e *Engine) Join(ctx context.Context, noteID notes.NoteID, participant Participant) (*Session, error) {
	if _, err := notes.NewUserID(participant.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParticipant, err)
	}
	key := sessionKey{noteID: noteID.String(), userID: participant.ID}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &Session{
		engine:      e,
		key:         key,
		participant: participant,
		color:       ColorFor(participant.ID),
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	// Swap under one lock: each displaced session is left by exactly one joiner.
	e.mu.Lock()
	previous := e.sessions[key]
	e.sessions[key] = session
	e.mu.Unlock()
	if previous != nil {
		previous.Leave(ctx)
	}

	if sessionCtx.Err() == nil {
		if err := e.writeHeartbeat(sessionCtx, session); err != nil && sessionCtx.Err() == nil {
			e.logWarn("presence join write failed", err, key)
		}
	}
	go session.run(sessionCtx)
	e.logger.Debug("presence joined", zap.String("note_id", key.noteID), zap.String("user_id", key.userID))
	return session, nil
}

// Leave ends the user's session on the note. Without a session it still marks the
// record inactive, best-effort.
func (e *Engine) Leave(ctx context.Context, noteID notes.NoteID, userID string) {
	key := sessionKey{noteID: noteID.String(), userID: userID}
	e.mu.Lock()
	session := e.sessions[key]
	e.mu.Unlock()
	if session != nil {
		session.Leave(ctx)
		return
	}
	if err := e.writeInactive(ctx, key); err != nil {
		e.logWarn("presence leave write failed", err, key)
	}
}

// Close leaves every open session.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, session := range e.sessions {
		sessions = append(sessions, session)
	}
	e.mu.Unlock()
	for _, session := range sessions {
		session.Leave(ctx)
	}
}

// Subscribe calls callback with the active participants of the note on every remote
// change. The last snapshot is also re-filtered every heartbeat interval so records
// that go stale without any remote change drop out. The returned function stops the
// subscription.
func (e *Engine) Subscribe(ctx context.Context, noteID notes.NoteID, callback func([]Record)) (func(), error) {
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	view := &activeView{callback: callback}

	unsubscribe, err := e.remote.Subscribe(watchCtx, remote.PresenceCollection(noteID.String()),
		func(snapshot remote.Snapshot) {
			records := make([]Record, 0, len(snapshot.Documents))
			for _, document := range snapshot.Documents {
				records = append(records, decodeRecord(document.Key, document.Fields))
			}
			view.update(records, e.clock(), e.timeout, true)
		},
		func(err error) {
			e.logWarn("presence subscription error", err, sessionKey{noteID: noteID.String()})
		})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("presence: subscribe %s: %w", noteID, err)
	}

	go func() {
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				view.refresh(e.clock(), e.timeout)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			view.stopped.Store(true)
			cancel()
			unsubscribe()
		})
	}, nil
}

func (e *Engine) writeHeartbeat(ctx context.Context, session *Session) error {
	writeCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	fields := encodeRecord(session.participant, session.color, e.clock())
	return e.remote.Write(writeCtx, remote.PresenceCollection(session.key.noteID), session.key.userID, fields, remote.WriteMerge)
}

func (e *Engine) writeInactive(ctx context.Context, key sessionKey) error {
	writeCtx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	return e.remote.Write(writeCtx, remote.PresenceCollection(key.noteID), key.userID, map[string]any{fieldIsActive: false}, remote.WriteMerge)
}

func (e *Engine) forget(session *Session) {
	e.mu.Lock()
	if e.sessions[session.key] == session {
		delete(e.sessions, session.key)
	}
	e.mu.Unlock()
}

func (e *Engine) logWarn(message string, err error, key sessionKey) {
	fields := []zap.Field{zap.Error(err), zap.String("note_id", key.noteID)}
	if key.userID != "" {
		fields = append(fields, zap.String("user_id", key.userID))
	}
	e.logger.Warn(message, fields...)
}

// activeView remembers the last snapshot so it can be re-filtered as time passes.
type activeView struct {
	mu        sync.Mutex
	records   []Record
	lastIDs   string
	delivered bool
	stopped   atomic.Bool
	callback  func([]Record)
}

func (v *activeView) update(records []Record, now time.Time, timeout time.Duration, force bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records = records
	v.deliverLocked(now, timeout, force)
}

func (v *activeView) refresh(now time.Time, timeout time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.delivered {
		return
	}
	v.deliverLocked(now, timeout, false)
}

func (v *activeView) deliverLocked(now time.Time, timeout time.Duration, force bool) {
	if v.stopped.Load() {
		return
	}
	active := FilterActive(v.records, now, timeout)
	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	ids := ""
	for _, record := range active {
		ids += record.UserID + "\x00"
	}
	if !force && v.delivered && ids == v.lastIDs {
		return
	}
	v.lastIDs = ids
	v.delivered = true
	v.callback(active)
}
