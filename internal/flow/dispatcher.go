package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/google/uuid"
)

// Dispatcher creates one call session per dispatch request and tracks the live ones.
type Dispatcher struct {
	baseCtx context.Context
	cfg     Config
	deps    SessionDeps

	mu       sync.RWMutex
	sessions map[string]*CallSession
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Sessions run on baseCtx, so canceling it ends every
// live call (each still hangs up and flushes its transcript).
func NewDispatcher(baseCtx context.Context, cfg Config, deps SessionDeps) (*Dispatcher, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		baseCtx:  baseCtx,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		sessions: make(map[string]*CallSession),
	}, nil
}

// Dispatch parses a raw metadata payload and starts a session for it.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (string, error) {
	md, err := models.ParseDispatchMetadata(raw)
	if err != nil {
		return "", err
	}
	return d.DispatchMetadata(ctx, md)
}

// DispatchMetadata starts a session for md. It returns once the provider has accepted the
// dial; the rest of the call runs in the background. A rejected dial returns an error
// wrapping models.ErrDial and leaves nothing behind.
func (d *Dispatcher) DispatchMetadata(ctx context.Context, md models.DispatchMetadata) (string, error) {
	callID := uuid.NewString()
	cc, err := md.CallContext(callID, d.cfg.DefaultTrunk)
	if err != nil {
		return "", err
	}

	session, err := NewCallSession(d.cfg, cc, d.deps)
	if err != nil {
		return "", err
	}

	if d.baseCtx.Err() != nil {
		return "", fmt.Errorf("dispatcher is shutting down: %w", d.baseCtx.Err())
	}

	d.mu.Lock()
	d.sessions[callID] = session
	d.mu.Unlock()

	slog.Info("Dispatcher.DispatchMetadata: dialing", "callID", callID, "to", cc.PhoneNumber, "trunk", cc.TrunkID)

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialRequestTimeout)
	err = session.Start(dialCtx)
	cancel()
	if err != nil {
		d.remove(callID)
		return "", err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.remove(callID)
		session.Run(d.baseCtx)
	}()
	return callID, nil
}

func (d *Dispatcher) remove(callID string) {
	d.mu.Lock()
	delete(d.sessions, callID)
	d.mu.Unlock()
}

// Session returns the live session with the given id.
func (d *Dispatcher) Session(callID string) (*CallSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[callID]
	return s, ok
}

// Active lists live sessions, oldest first.
func (d *Dispatcher) Active() []models.SessionInfo {
	d.mu.RLock()
	infos := make([]models.SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		infos = append(infos, s.Info())
	}
	d.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].CallID < infos[j].CallID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Wait blocks until every running session has flushed its transcript.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
