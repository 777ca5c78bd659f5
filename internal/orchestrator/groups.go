package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hyperengineering/deltasync/internal/board"
	"github.com/hyperengineering/deltasync/internal/store"
	"github.com/hyperengineering/deltasync/internal/types"
)

// ErrGroupUnresolved is returned when a group could not be found or created.
var ErrGroupUnresolved = errors.New("group unresolved")

// GroupStore persists resolved group ids across runs.
type GroupStore interface {
	LookupGroup(ctx context.Context, boardID, label string) (string, error)
	SaveGroup(ctx context.Context, boardID, label, groupID string) error
}

// GroupCache maps group labels to external group ids. Concurrent resolution
// of one label creates at most one group: callers for the same label share a
// single in-flight resolution.
type GroupCache struct {
	store   GroupStore
	client  BoardClient
	boardID string
	dryRun  bool

	// onPayload receives request bodies built in dry-run mode.
	onPayload func(types.Payload)

	mu     sync.Mutex
	groups map[string]string
	sf     singleflight.Group
}

// NewGroupCache creates a group cache for one run.
func NewGroupCache(s GroupStore, client BoardClient, boardID string, dryRun bool) *GroupCache {
	return &GroupCache{
		store:   s,
		client:  client,
		boardID: boardID,
		dryRun:  dryRun,
		groups:  make(map[string]string),
	}
}

// GroupFailure carries the board exchange of a failed group creation.
type GroupFailure struct {
	Label    string
	Message  string
	Request  string
	Response string
}

func (e *GroupFailure) Error() string {
	return fmt.Sprintf("create group %q: %s", e.Label, e.Message)
}

func (e *GroupFailure) Unwrap() error { return ErrGroupUnresolved }

// Resolve returns the external id for label, creating the group when neither
// the in-memory map nor the persistent cache knows it.
func (g *GroupCache) Resolve(ctx context.Context, label string) (string, error) {
	if id, ok := g.cached(label); ok {
		return id, nil
	}

	v, err, _ := g.sf.Do(label, func() (any, error) {
		if id, ok := g.cached(label); ok {
			return id, nil
		}

		id, err := g.store.LookupGroup(ctx, g.boardID, label)
		switch {
		case err == nil:
			g.remember(label, id)
			return id, nil
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("lookup group %q: %w", label, err)
		}

		res := g.client.Execute(ctx, board.KindCreateGroup, []board.Operation{{Key: label, Name: label}}, g.dryRun)
		for _, p := range res.Payloads {
			if g.onPayload != nil {
				g.onPayload(types.Payload{Phase: types.OpGroup, Kind: string(board.KindCreateGroup), Body: p})
			}
		}
		if len(res.Results) != 1 || !res.Results[0].OK {
			gf := &GroupFailure{Label: label, Message: "no result"}
			if len(res.Results) == 1 {
				r := res.Results[0]
				gf.Message, gf.Request, gf.Response = r.Error, r.Request, r.Response
			}
			return "", gf
		}
		id = res.Results[0].ExternalID

		if !g.dryRun {
			if err := g.store.SaveGroup(ctx, g.boardID, label, id); err != nil {
				slog.Error("failed to persist group id",
					"component", "orchestrator",
					"label", label,
					"group_id", id,
					"error", err,
				)
			}
			// A concurrent process may have saved first; its id wins.
			if stored, err := g.store.LookupGroup(ctx, g.boardID, label); err == nil {
				id = stored
			}
		}

		slog.Info("group created",
			"component", "orchestrator",
			"label", label,
			"group_id", id,
			"dry_run", g.dryRun,
		)
		g.remember(label, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *GroupCache) cached(label string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.groups[label]
	return id, ok
}

func (g *GroupCache) remember(label, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups[label] = id
}
