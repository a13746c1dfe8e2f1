// Package reviewprompt decides when a viewer is shown the review dialog for a
// completed request. A prompt is shown at most once per (request, viewer).
package reviewprompt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"offer-service/internal/util"

	"go.uber.org/zap"
)

// ShownStore durably records that a prompt was shown; true only for the first call.
type ShownStore interface {
	MarkPromptShown(ctx context.Context, requestID, viewerID string) (bool, error)
}

// Confirmer is the authoritative "already reviewed" check.
type Confirmer interface {
	HasReviewed(ctx context.Context, requestID, viewerID string) (bool, error)
}

type Key struct {
	RequestID string
	ViewerID  string
}

// State is the local view of one prompt.
type State struct {
	Viewed    bool `json:"viewed"`
	Submitted bool `json:"submitted"`
}

const (
	defaultLocalTTL = time.Hour
	defaultMaxLocal = 10000
)

type entry struct {
	State
	at time.Time
}

// Tracker caches prompt state locally and falls back to the shown store and
// confirmer for anything it has not seen yet. The local cache is bounded in
// age and size; the shown store keeps the at-most-once guarantee for evicted
// keys.
type Tracker struct {
	mu      sync.Mutex
	local   map[Key]entry
	ttl     time.Duration
	max     int
	now     func() time.Time
	shown   ShownStore
	confirm Confirmer
	logger  *zap.Logger
}

func NewTracker(shown ShownStore, confirm Confirmer) *Tracker {
	return &Tracker{
		local:   make(map[Key]entry),
		ttl:     defaultLocalTTL,
		max:     defaultMaxLocal,
		now:     time.Now,
		shown:   shown,
		confirm: confirm,
		logger:  util.GetLogger(),
	}
}

// Observe handles one status signal for the request. It returns true when the
// prompt should open now, which happens at most once per key no matter how
// many times the completed signal is observed.
func (t *Tracker) Observe(ctx context.Context, requestID, viewerID string, completed bool) (bool, error) {
	if !completed || requestID == "" || viewerID == "" {
		return false, nil
	}
	key := Key{RequestID: requestID, ViewerID: viewerID}

	t.mu.Lock()
	st := t.get(key)
	if st.Viewed || st.Submitted {
		t.mu.Unlock()
		return false, nil
	}
	st.Viewed = true
	t.put(key, st)
	t.mu.Unlock()

	reviewed, err := t.confirm.HasReviewed(ctx, requestID, viewerID)
	if err != nil {
		t.release(key)
		return false, fmt.Errorf("check review for request %s: %w", requestID, err)
	}
	if reviewed {
		t.MarkSubmitted(requestID, viewerID)
		return false, nil
	}

	first, err := t.shown.MarkPromptShown(ctx, requestID, viewerID)
	if err != nil {
		t.release(key)
		return false, fmt.Errorf("record review prompt for request %s: %w", requestID, err)
	}
	if !first {
		t.logger.Debug("Review prompt already shown",
			zap.String("request_id", requestID), zap.String("viewer_id", viewerID))
		return false, nil
	}

	util.ReviewPromptsShownTotal.Inc()
	return true, nil
}

// MarkSubmitted records that the viewer left a review.
func (t *Tracker) MarkSubmitted(requestID, viewerID string) {
	key := Key{RequestID: requestID, ViewerID: viewerID}
	t.mu.Lock()
	t.put(key, State{Viewed: true, Submitted: true})
	t.mu.Unlock()
}

// State returns the local state for a key.
func (t *Tracker) State(requestID, viewerID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(Key{RequestID: requestID, ViewerID: viewerID})
}

// release undoes a claim so a later signal can retry after a lookup failure.
func (t *Tracker) release(key Key) {
	t.mu.Lock()
	if e, ok := t.local[key]; ok && !e.Submitted {
		delete(t.local, key)
	}
	t.mu.Unlock()
}

// get returns the cached state for key. Caller holds mu.
func (t *Tracker) get(key Key) State {
	e, ok := t.local[key]
	if !ok {
		return State{}
	}
	if t.now().Sub(e.at) > t.ttl {
		delete(t.local, key)
		return State{}
	}
	return e.State
}

// put stores st for key, making room first when the cache is full. Caller holds mu.
func (t *Tracker) put(key Key, st State) {
	if _, ok := t.local[key]; !ok && len(t.local) >= t.max {
		t.evict()
	}
	t.local[key] = entry{State: st, at: t.now()}
}

// evict drops expired entries, then the oldest ones until a slot is free.
func (t *Tracker) evict() {
	now := t.now()
	for k, e := range t.local {
		if now.Sub(e.at) > t.ttl {
			delete(t.local, k)
		}
	}
	for len(t.local) >= t.max {
		var (
			oldest Key
			at     time.Time
			found  bool
		)
		for k, e := range t.local {
			if !found || e.at.Before(at) {
				oldest, at, found = k, e.at, true
			}
		}
		delete(t.local, oldest)
	}
}

// MemoryShownStore keeps shown records in process memory.
type MemoryShownStore struct {
	mu    sync.Mutex
	shown map[Key]struct{}
}

func NewMemoryShownStore() *MemoryShownStore {
	return &MemoryShownStore{shown: make(map[Key]struct{})}
}

func (m *MemoryShownStore) MarkPromptShown(_ context.Context, requestID, viewerID string) (bool, error) {
	key := Key{RequestID: requestID, ViewerID: viewerID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shown[key]; ok {
		return false, nil
	}
	m.shown[key] = struct{}{}
	return true, nil
}
