// Package hooks lets callers observe and veto arena storage operations.
package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/ventibase/core"
)

// EventType names a storage event. Types prefixed with "Pre" run
// synchronously and an error from any listener cancels the operation.
type EventType string

const (
	// Block events
	EventPrePutBlock      EventType = "PrePutBlock"
	EventPostPutBlock     EventType = "PostPutBlock"
	EventOnBlockCoalesced EventType = "OnBlockCoalesced"
	EventPostGetBlock     EventType = "PostGetBlock"

	// Integrity events
	EventOnCorruption EventType = "OnCorruption"

	// Durability events
	EventPreSync  EventType = "PreSync"
	EventPostSync EventType = "PostSync"

	// Lifecycle events
	EventPostIndexReplay EventType = "PostIndexReplay"
	EventPreCloseArena   EventType = "PreCloseArena"
	EventPostCloseArena  EventType = "PostCloseArena"
)

// HookManager dispatches events to registered listeners.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	Trigger(ctx context.Context, event HookEvent) error
	Stop()
}

// HookEvent is a single occurrence of an EventType with its payload.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent is the HookEvent implementation used by all constructors here.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener receives events.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners of one event; lower runs first.
	Priority() int
	// IsAsync requests background execution. Ignored for Pre events.
	IsAsync() bool
}

// PrePutBlockPayload describes a block about to be stored.
type PrePutBlockPayload struct {
	Score core.Score
	Type  uint8
	Size  int
}

func NewPrePutBlockEvent(payload PrePutBlockPayload) HookEvent {
	return &BaseEvent{eventType: EventPrePutBlock, payload: payload}
}

// PostPutBlockPayload describes a block that was appended to the arena.
type PostPutBlockPayload struct {
	Score core.Score
	Type  uint8
	// Size is the raw block length; StoredSize is what reached the log.
	Size       int
	StoredSize int
	Codec      core.CompressionType
	Offset     uint64
}

func NewPostPutBlockEvent(payload PostPutBlockPayload) HookEvent {
	return &BaseEvent{eventType: EventPostPutBlock, payload: payload}
}

// BlockCoalescedPayload describes a put that matched an existing block.
type BlockCoalescedPayload struct {
	Score core.Score
	Type  uint8
	Size  int
}

func NewBlockCoalescedEvent(payload BlockCoalescedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnBlockCoalesced, payload: payload}
}

// PostGetBlockPayload reports the outcome of a lookup.
type PostGetBlockPayload struct {
	Score    core.Score
	Type     uint8
	Found    bool
	CacheHit bool
}

func NewPostGetBlockEvent(payload PostGetBlockPayload) HookEvent {
	return &BaseEvent{eventType: EventPostGetBlock, payload: payload}
}

// CorruptionPayload reports persisted data that failed validation.
type CorruptionPayload struct {
	Source string
	Offset int64
	Reason string
	// Score is set when the corruption was found while serving a block.
	Score core.Score
}

func NewCorruptionEvent(payload CorruptionPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCorruption, payload: payload}
}

// SyncPayload accompanies both sync events. Duration and Error are only
// meaningful on PostSync.
type SyncPayload struct {
	DataBytes  int64
	IndexBytes int64
	Duration   time.Duration
	Error      error
}

func NewPreSyncEvent(payload SyncPayload) HookEvent {
	return &BaseEvent{eventType: EventPreSync, payload: payload}
}

func NewPostSyncEvent(payload SyncPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSync, payload: payload}
}

// IndexReplayPayload summarizes startup index replay.
type IndexReplayPayload struct {
	Arena    string
	Entries  int
	Dropped  int
	Resyncs  int
	Skipped  int64
	Duration time.Duration
}

func NewPostIndexReplayEvent(payload IndexReplayPayload) HookEvent {
	return &BaseEvent{eventType: EventPostIndexReplay, payload: payload}
}

// ArenaLifecyclePayload names the arena being closed.
type ArenaLifecyclePayload struct {
	Arena string
}

func NewPreCloseArenaEvent(payload ArenaLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseArena, payload: payload}
}

func NewPostCloseArenaEvent(payload ArenaLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCloseArena, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listeners per event, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // tracks async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "hooks"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
