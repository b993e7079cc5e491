// Package session persists per-space chat history.
//
// Each session is one JSON array at chats/session<N>.json in the
// space's bucket, append-only, with N increasing per space. Which
// session is active is process-local state; cross-process writers are
// out of contract and get best-effort behavior.
package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
)

var tracer = otel.Tracer("corpusd.session")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	sessionPrefix = "chats/session"
	sessionSuffix = ".json"
)

// Source cites a retrieved chunk an assistant answer drew on.
type Source struct {
	Filename string  `json:"filename"`
	Score    float64 `json:"score"`
	Source   string  `json:"source"`
}

// Message is one chat turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`
}

// Info identifies one stored session.
type Info struct {
	ID  int    `json:"id"`
	Key string `json:"key"`
}

// Stats aggregates chat activity across all of a space's sessions.
type Stats struct {
	TotalSessions int        `json:"total_sessions"`
	TotalMessages int        `json:"total_messages"`
	LastActivity  *time.Time `json:"last_activity"`
}

// Store reads and writes chat sessions.
type Store struct {
	store  objectstore.Store
	logger *logging.Logger

	mu     sync.Mutex
	active map[string]string // space name -> active session key
}

// NewStore builds a session store over the given object store.
func NewStore(store objectstore.Store, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{
		store:  store,
		logger: logger.Named("session"),
		active: make(map[string]string),
	}
}

// sessionKey is the object key for session id.
func sessionKey(id int) string {
	return fmt.Sprintf("%s%d%s", sessionPrefix, id, sessionSuffix)
}

// parseSessionID extracts N from chats/session<N>.json. Keys that do
// not match are reported false and skipped by callers.
func parseSessionID(key string) (int, bool) {
	name := key
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimPrefix(name, "session")
	name = strings.TrimSuffix(name, sessionSuffix)
	if name == "" {
		return 0, false
	}
	id, err := strconv.Atoi(name)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// Sessions lists a space's sessions, newest id first.
func (s *Store) Sessions(ctx context.Context, space string) ([]Info, error) {
	keys, err := s.store.ListObjects(ctx, space, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	infos := make([]Info, 0, len(keys))
	for _, key := range keys {
		id, ok := parseSessionID(key)
		if !ok {
			continue
		}
		infos = append(infos, Info{ID: id, Key: key})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID > infos[j].ID })
	return infos, nil
}

// maxSessionID returns the highest session id, or 0 when none exist.
func (s *Store) maxSessionID(ctx context.Context, space string) (int, error) {
	infos, err := s.Sessions(ctx, space)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		return 0, nil
	}
	return infos[0].ID, nil
}

// activeKey returns the space's active session key, discovering the
// highest existing session (or session 1) on first use.
// Caller must hold s.mu.
func (s *Store) activeKey(ctx context.Context, space string) (string, error) {
	if key, ok := s.active[space]; ok {
		return key, nil
	}
	maxID, err := s.maxSessionID(ctx, space)
	if err != nil {
		return "", err
	}
	if maxID == 0 {
		maxID = 1
	}
	key := sessionKey(maxID)
	s.active[space] = key
	s.logger.Debug(ctx, "active session resolved",
		zap.String("space", space), zap.String("session", key))
	return key, nil
}

// readMessages loads a session file, treating absence as an empty
// session.
func (s *Store) readMessages(ctx context.Context, space, key string) ([]Message, error) {
	var msgs []Message
	if err := objectstore.GetJSONOrEmpty(ctx, s.store, space, key, &msgs); err != nil {
		return nil, fmt.Errorf("reading session %s: %w", key, err)
	}
	return msgs, nil
}

// Load returns the messages of session id and makes it active. Loading
// an id with no stored file yields an empty session.
func (s *Store) Load(ctx context.Context, space string, id int) ([]Message, error) {
	ctx, span := tracer.Start(ctx, "session.Load",
		oteltrace.WithAttributes(attribute.String("space.name", space), attribute.Int("session.id", id)))
	defer span.End()

	if id < 1 {
		return nil, recordErr(span, fmt.Errorf("session id %d out of range", id))
	}
	key := sessionKey(id)

	msgs, err := s.readMessages(ctx, space, key)
	if err != nil {
		return nil, recordErr(span, err)
	}

	s.mu.Lock()
	s.active[space] = key
	s.mu.Unlock()
	return msgs, nil
}

// History returns the active session's messages without switching
// sessions, resolving the active session first if needed.
func (s *Store) History(ctx context.Context, space string) ([]Message, error) {
	s.mu.Lock()
	key, err := s.activeKey(ctx, space)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.readMessages(ctx, space, key)
}

// Append adds a message to the active session. A zero timestamp is
// filled with the current time. The read-modify-write is serialized
// per process only.
func (s *Store) Append(ctx context.Context, space string, msg Message) error {
	ctx, span := tracer.Start(ctx, "session.Append",
		oteltrace.WithAttributes(attribute.String("space.name", space), attribute.String("message.role", msg.Role)))
	defer span.End()

	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return recordErr(span, fmt.Errorf("unknown message role %q", msg.Role))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.activeKey(ctx, space)
	if err != nil {
		return recordErr(span, err)
	}
	msgs, err := s.readMessages(ctx, space, key)
	if err != nil {
		return recordErr(span, err)
	}
	msgs = append(msgs, msg)
	if err := s.store.PutJSON(ctx, space, key, msgs); err != nil {
		return recordErr(span, fmt.Errorf("writing session %s: %w", key, err))
	}
	return nil
}

// Clear starts a fresh session: allocates max(N)+1, initializes it
// empty, and makes it active. Returns the new session id.
func (s *Store) Clear(ctx context.Context, space string) (int, error) {
	ctx, span := tracer.Start(ctx, "session.Clear",
		oteltrace.WithAttributes(attribute.String("space.name", space)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	maxID, err := s.maxSessionID(ctx, space)
	if err != nil {
		return 0, recordErr(span, err)
	}
	newID := maxID + 1
	key := sessionKey(newID)
	if err := s.store.PutJSON(ctx, space, key, []Message{}); err != nil {
		return 0, recordErr(span, fmt.Errorf("initializing session %s: %w", key, err))
	}
	s.active[space] = key

	s.logger.Info(ctx, "chat session cleared",
		zap.String("space", space), zap.Int("session_id", newID))
	return newID, nil
}

// Forget drops the space's process-local active-session pointer. Called
// when a space is deleted so a later recreation starts fresh.
func (s *Store) Forget(space string) {
	s.mu.Lock()
	delete(s.active, space)
	s.mu.Unlock()
}

// Stats sums sessions and messages and finds the most recent message
// timestamp across all sessions.
func (s *Store) Stats(ctx context.Context, space string) (Stats, error) {
	ctx, span := tracer.Start(ctx, "session.Stats",
		oteltrace.WithAttributes(attribute.String("space.name", space)))
	defer span.End()

	infos, err := s.Sessions(ctx, space)
	if err != nil {
		return Stats{}, recordErr(span, err)
	}

	stats := Stats{TotalSessions: len(infos)}
	for _, info := range infos {
		msgs, err := s.readMessages(ctx, space, info.Key)
		if err != nil {
			// One unreadable session should not hide the rest.
			s.logger.Warn(ctx, "skipping unreadable session",
				zap.String("space", space), zap.String("session", info.Key), zap.Error(err))
			continue
		}
		stats.TotalMessages += len(msgs)
		for i := len(msgs) - 1; i >= 0; i-- {
			ts := msgs[i].Timestamp
			if ts.IsZero() {
				continue
			}
			if stats.LastActivity == nil || ts.After(*stats.LastActivity) {
				t := ts
				stats.LastActivity = &t
			}
			break
		}
	}
	return stats, nil
}

func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
