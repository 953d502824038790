package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reconstructor accumulates incremental text fragments into one durable
// streaming message per session, tracking an append-only offset, and
// finalizes it into a complete message exactly once.
type Reconstructor struct {
	store  MessageStore
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]string // session ID -> open streaming message ID
}

// NewReconstructor returns a reconstructor backed by the given store.
func NewReconstructor(store MessageStore, logger zerolog.Logger) *Reconstructor {
	return &Reconstructor{
		store:  store,
		logger: logger.With().Str("component", "reconstructor").Logger(),
		open:   make(map[string]string),
	}
}

// AppendOrCreate appends a fragment to the session's open streaming message,
// creating one if none exists. Returns the message identity and the
// post-append offset. Offsets increase monotonically by fragment length so
// observers can detect gaps by comparison.
func (r *Reconstructor) AppendOrCreate(ctx context.Context, sessionID, fragment string) (messageID string, offset int, err error) {
	r.mu.Lock()
	id, exists := r.open[sessionID]
	r.mu.Unlock()

	if exists {
		newOffset, err := r.store.AppendContent(ctx, id, fragment)
		if err != nil {
			return "", 0, err
		}
		return id, newOffset, nil
	}

	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   fragment,
		Streaming: true,
		Offset:    len(fragment),
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Save(ctx, msg); err != nil {
		return "", 0, err
	}

	r.mu.Lock()
	// A concurrent create for the same session loses; append to the winner.
	if winner, ok := r.open[sessionID]; ok && winner != msg.ID {
		r.mu.Unlock()
		newOffset, err := r.store.AppendContent(ctx, winner, fragment)
		if err != nil {
			return "", 0, err
		}
		return winner, newOffset, nil
	}
	r.open[sessionID] = msg.ID
	r.mu.Unlock()

	return msg.ID, msg.Offset, nil
}

// OpenMessageID returns the session's in-flight streaming message ID, or
// empty when no turn is streaming.
func (r *Reconstructor) OpenMessageID(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open[sessionID]
}

// Finalize transitions the message to complete and closes the session's
// streaming slot. Idempotent: finalizing an already-complete message is a
// no-op.
func (r *Reconstructor) Finalize(ctx context.Context, messageID string) error {
	if err := r.store.Finalize(ctx, messageID); err != nil {
		return err
	}

	r.mu.Lock()
	for sid, mid := range r.open {
		if mid == messageID {
			delete(r.open, sid)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// Reset drops the in-memory streaming slot for a session without touching
// storage. Used when live-tracking state is torn down on process exit.
func (r *Reconstructor) Reset(sessionID string) {
	r.mu.Lock()
	delete(r.open, sessionID)
	r.mu.Unlock()
}
