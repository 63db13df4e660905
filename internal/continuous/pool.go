// Package continuous implements the Continuous Runner (C6): one
// long-lived conversational agent per descriptor, with durable,
// version-checked state persisted between turns.
package continuous

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/meridian/internal/bus"
	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/llmclient"
	"github.com/basket/meridian/internal/orchestrator"
	"github.com/basket/meridian/internal/shared"
	"github.com/basket/meridian/internal/store"
)

const (
	defaultPrefetch  = 1
	idleScanInterval = 60 * time.Second
	maxStaleRetries  = 3
)

// TaskPayload is the inbound payload for a continuous turn.
type TaskPayload struct {
	Message string `json:"message"`
}

// ResultPayload is the outbound payload for a completed/failed turn.
type ResultPayload struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProviderFactory builds an llmclient.Provider for a descriptor's resolved
// LLM config; llmclient.Factory satisfies this, tests substitute a fake.
type ProviderFactory interface {
	New(ctx context.Context, llm config.LLMConfig) (llmclient.Provider, error)
}

// cacheEntry is the in-memory, possibly-dirty copy of one agent's
// conversational state, populated lazily on first turn.
type cacheEntry struct {
	state    store.ContinuousAgentState
	lastSave time.Time
	lastSeen time.Time
	dirty    bool
}

// Pool implements orchestrator.Activator for CONTINUOUS descriptors: one
// durable subscription per agent name, each with prefetch=1 so a single
// agent's turns are strictly serialized.
type Pool struct {
	registry *config.Registry
	store    *store.Store
	bus      *bus.Bus
	orch     *orchestrator.Orchestrator
	factory  ProviderFactory
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
	subs  map[string]*bus.Subscription

	idleCancel context.CancelFunc
}

// New wires a Pool using the real llmclient.Factory.
func New(registry *config.Registry, st *store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, logger *slog.Logger) *Pool {
	return NewWithFactory(registry, st, b, orch, llmclient.Factory{}, logger)
}

// NewWithFactory wires a Pool with an explicit ProviderFactory, used by
// tests to inject a fake provider.
func NewWithFactory(registry *config.Registry, st *store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, factory ProviderFactory, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		registry: registry, store: st, bus: b, orch: orch, factory: factory, logger: logger,
		cache: make(map[string]*cacheEntry),
		subs:  make(map[string]*bus.Subscription),
	}
}

// Activate subscribes queueName "pool.continuous.<name>" to the descriptor's
// per-agent routing key, with prefetch=1 and DLQ enabled It
// also starts the shared idle-flush ticker on first call.
func (p *Pool) Activate(ctx context.Context, d *config.AgentDescriptor) error {
	p.mu.Lock()
	if _, ok := p.subs[d.Name]; ok {
		p.mu.Unlock()
		return nil
	}
	if p.idleCancel == nil {
		idleCtx, cancel := context.WithCancel(ctx)
		p.idleCancel = cancel
		go p.idleFlushLoop(idleCtx)
	}
	p.mu.Unlock()

	queueName := "pool.continuous." + d.Name
	sub, err := p.bus.Subscribe(ctx, queueName, []string{d.RoutingKey()}, p.Handle, bus.SubscribeOptions{
		Prefetch:  defaultPrefetch,
		EnableDLQ: true,
	})
	if err != nil {
		return fmt.Errorf("continuous: subscribe %s: %w", d.Name, err)
	}

	p.mu.Lock()
	p.subs[d.Name] = sub
	p.mu.Unlock()
	return nil
}

// Stop cancels the named agent's subscription and flushes its cache entry
// if dirty. drain is honored best-effort: the flush itself is bounded by
// ctx, not drain, since it is a single bus publish plus one store write.
func (p *Pool) Stop(ctx context.Context, agentName string, drain time.Duration) error {
	p.mu.Lock()
	sub, ok := p.subs[agentName]
	delete(p.subs, agentName)
	entry := p.cache[agentName]
	p.mu.Unlock()

	if ok {
		sub.Stop()
	}
	if entry != nil && entry.dirty {
		p.flush(ctx, agentName, entry)
	}
	return nil
}

func (p *Pool) idleFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scanIdle(ctx)
		}
	}
}

func (p *Pool) scanIdle(ctx context.Context) {
	now := time.Now()
	var stale []string
	p.mu.Lock()
	for name, entry := range p.cache {
		d, ok := p.registry.Get(name)
		timeout := 900 * time.Second
		if ok && d.ContinuousConfig != nil {
			timeout = time.Duration(d.ContinuousConfig.IdleTimeoutSeconds) * time.Second
		}
		if now.Sub(entry.lastSeen) > timeout {
			stale = append(stale, name)
		}
	}
	p.mu.Unlock()

	for _, name := range stale {
		p.mu.Lock()
		entry := p.cache[name]
		delete(p.cache, name)
		p.mu.Unlock()
		if entry == nil {
			continue
		}
		if entry.dirty {
			p.flush(ctx, name, entry)
		}
		p.logger.Info("continuous: evicted idle agent from cache", "agent_name", name)
	}
}

func (p *Pool) flush(ctx context.Context, agentName string, entry *cacheEntry) {
	if err := p.saveWithRetry(ctx, agentName, entry); err != nil {
		p.logger.Error("continuous: idle flush save failed", "agent_name", agentName, "error", err)
	}
}

// Handle implements the per-turn steps.6: load-or-create
// cached state, append the inbound turn under sliding-window pruning,
// execute the LLM call, conditionally save, publish the result, acknowledge.
func (p *Pool) Handle(ctx context.Context, ev bus.Event) bus.Result {
	ctx = shared.WithTraceID(ctx, ev.TraceID)

	d, ok := p.registry.Get(ev.AgentName)
	if !ok || d.Mode != config.ModeContinuous {
		p.failTurn(ctx, ev, "unknown agent or mode mismatch")
		return bus.FatalErr(fmt.Errorf("continuous: agent %q missing or not continuous", ev.AgentName))
	}

	var payload TaskPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		p.failTurn(ctx, ev, "invalid payload: "+err.Error())
		return bus.FatalErr(err)
	}

	entry, err := p.loadEntry(ctx, d.Name)
	if err != nil {
		p.failTurn(ctx, ev, err.Error())
		return bus.FatalErr(err)
	}

	maxHistory := d.ContinuousConfig.MaxConversationHistory
	entry.state.Conversation = appendBounded(entry.state.Conversation,
		store.ConversationTurn{Role: "user", Content: payload.Message}, maxHistory)
	entry.state.EventCount++
	entry.state.LastActivity = time.Now().UTC()
	entry.lastSeen = entry.state.LastActivity
	entry.dirty = true

	provider, err := p.factory.New(ctx, d.LLM)
	if err != nil {
		p.failTurn(ctx, ev, err.Error())
		return bus.FatalErr(err)
	}

	messages := make([]llmclient.Message, len(entry.state.Conversation))
	for i, turn := range entry.state.Conversation {
		messages[i] = llmclient.Message{Role: turn.Role, Content: turn.Content}
	}

	resp, err := provider.Complete(ctx, llmclient.CompleteRequest{
		SystemPrompt: d.SystemPrompt,
		Messages:     messages,
	})
	if err != nil {
		class := llmclient.ClassifyError(err)
		if class.Retryable() {
			return bus.Retryable(err)
		}
		p.failTurn(ctx, ev, err.Error())
		return bus.FatalErr(err)
	}

	entry.state.Conversation = appendBounded(entry.state.Conversation,
		store.ConversationTurn{Role: "assistant", Content: resp.Content}, maxHistory)

	saveInterval := time.Duration(d.ContinuousConfig.SaveIntervalSeconds) * time.Second
	if time.Since(entry.lastSave) >= saveInterval {
		if err := p.saveWithRetry(ctx, d.Name, entry); err != nil {
			p.failTurn(ctx, ev, "save failed: "+err.Error())
			return bus.FatalErr(err)
		}
	}

	result, _ := json.Marshal(ResultPayload{Result: resp.Content})
	resultEv := bus.Event{
		EventID:     ev.EventID + ".result",
		EventType:   "turn.completed",
		Timestamp:   time.Now().UTC(),
		TraceID:     ev.TraceID,
		AgentName:   ev.AgentName,
		ExecutionID: ev.ExecutionID,
		Payload:     result,
	}
	if err := p.bus.Publish(ctx, "continuous.result."+d.Name, resultEv, true); err != nil {
		p.logger.Error("continuous: publish result failed", "agent_name", d.Name, "error", err)
	}
	return bus.OK()
}

func (p *Pool) failTurn(ctx context.Context, ev bus.Event, reason string) {
	payload, _ := json.Marshal(ResultPayload{Error: reason})
	failedEv := bus.Event{
		EventID:     ev.EventID + ".result",
		EventType:   "turn.failed",
		Timestamp:   time.Now().UTC(),
		TraceID:     ev.TraceID,
		AgentName:   ev.AgentName,
		ExecutionID: ev.ExecutionID,
		Payload:     payload,
	}
	if err := p.bus.Publish(ctx, "continuous.result."+ev.AgentName, failedEv, true); err != nil {
		p.logger.Error("continuous: publish failed result failed", "agent_name", ev.AgentName, "error", err)
	}
}

// loadEntry returns the cached entry for name, populating it from durable
// storage on first reference. A not-found load starts fresh state at
// version 0.
func (p *Pool) loadEntry(ctx context.Context, name string) (*cacheEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[name]; ok {
		return entry, nil
	}

	state, err := p.store.LoadContinuous(ctx, name)
	if err != nil {
		if err == store.ErrNotFound {
			entry := &cacheEntry{state: store.ContinuousAgentState{AgentName: name, Memory: map[string]any{}}}
			p.cache[name] = entry
			return entry, nil
		}
		return nil, fmt.Errorf("continuous: load state for %s: %w", name, err)
	}
	entry := &cacheEntry{state: *state}
	p.cache[name] = entry
	return entry, nil
}

// saveWithRetry performs the CAS save: on ErrStaleVersion it reloads
// durable state, re-applies this turn's tail (the entry already in the
// cache, which reflects what the in-flight turn just appended) against the
// freshly loaded version, and retries up to maxStaleRetries times before
// giving up.
func (p *Pool) saveWithRetry(ctx context.Context, name string, entry *cacheEntry) error {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		err := p.store.SaveContinuous(ctx, entry.state, entry.state.Version)
		if err == nil {
			entry.state.Version++
			entry.lastSave = time.Now().UTC()
			entry.dirty = false
			return nil
		}
		if err != store.ErrStaleVersion {
			return err
		}

		fresh, loadErr := p.store.LoadContinuous(ctx, name)
		if loadErr != nil {
			return fmt.Errorf("continuous: reload after stale version: %w", loadErr)
		}
		conversation := entry.state.Conversation
		memory := entry.state.Memory
		eventCount := entry.state.EventCount
		lastActivity := entry.state.LastActivity
		entry.state = *fresh
		entry.state.Conversation = conversation
		entry.state.Memory = memory
		entry.state.EventCount = eventCount
		entry.state.LastActivity = lastActivity
	}
	return fmt.Errorf("continuous: %s: exceeded %d stale-version retries", name, maxStaleRetries)
}

// appendBounded appends turn to conversation and, if the result exceeds
// max, drops the oldest entries (sliding window).
func appendBounded(conversation []store.ConversationTurn, turn store.ConversationTurn, max int) []store.ConversationTurn {
	conversation = append(conversation, turn)
	if max > 0 && len(conversation) > max {
		conversation = conversation[len(conversation)-max:]
	}
	return conversation
}
