package dialog

import (
	"context"
	"fmt"
	"sync"

	"github.com/dialogengine/dialogengine/internal/persistence"
	"github.com/dialogengine/dialogengine/internal/scenario"
)

// graphCache holds decoded, validated scenario graphs keyed by
// (bot_id, version) so a hot conversation never pays JSON-decode and
// condition-compile cost on every event; a dialog's pinned
// scenario_version guarantees a cached graph is never invalidated out
// from under an in-flight conversation (spec.md Open Question #1).
type graphCache struct {
	store    *persistence.Store
	actions  *scenario.ActionRegistry

	mu    sync.Mutex
	byKey map[string]*scenario.Graph
}

func newGraphCache(store *persistence.Store, actions *scenario.ActionRegistry) *graphCache {
	return &graphCache{store: store, actions: actions, byKey: make(map[string]*scenario.Graph)}
}

func graphCacheKey(botID string, version int) string {
	return fmt.Sprintf("%s\x00%d", botID, version)
}

// forVersion returns the graph pinned by a dialog's (bot_id, scenario_version).
func (c *graphCache) forVersion(ctx context.Context, botID string, version int) (*scenario.Graph, error) {
	key := graphCacheKey(botID, version)

	c.mu.Lock()
	g, ok := c.byKey[key]
	c.mu.Unlock()
	if ok {
		return g, nil
	}

	row, err := c.store.ScenarioVersion(ctx, botID, version)
	if err != nil {
		return nil, fmt.Errorf("dialog: load scenario %s v%d: %w", botID, version, err)
	}
	return c.decodeAndCache(key, row)
}

// active returns the graph for the bot's currently active scenario,
// along with its ScenarioRow (the caller needs id/version to pin a new
// dialog to it).
func (c *graphCache) active(ctx context.Context, botID string) (persistence.ScenarioRow, *scenario.Graph, error) {
	row, err := c.store.ActiveScenario(ctx, botID)
	if err != nil {
		return persistence.ScenarioRow{}, nil, fmt.Errorf("dialog: load active scenario for %s: %w", botID, err)
	}
	key := graphCacheKey(botID, row.Version)

	c.mu.Lock()
	g, ok := c.byKey[key]
	c.mu.Unlock()
	if ok {
		return row, g, nil
	}

	g, err = c.decodeAndCache(key, row)
	return row, g, err
}

func (c *graphCache) decodeAndCache(key string, row persistence.ScenarioRow) (*scenario.Graph, error) {
	g, err := scenario.Decode(row.GraphJSON)
	if err != nil {
		return nil, fmt.Errorf("dialog: decode scenario graph: %w", err)
	}
	if err := scenario.ValidateGraph(g, c.actions); err != nil {
		return nil, fmt.Errorf("dialog: cached scenario graph fails validation: %w", err)
	}

	c.mu.Lock()
	c.byKey[key] = g
	c.mu.Unlock()
	return g, nil
}

// invalidate drops every cached graph for a bot, used after scenario
// activation so a subsequent Create (and only Create — existing dialogs
// stay pinned) observes the new active version.
func (c *graphCache) invalidate(botID string) {
	prefix := botID + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.byKey {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.byKey, k)
		}
	}
}
