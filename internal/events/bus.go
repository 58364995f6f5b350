package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleStarted      EventType = "CYCLE_STARTED"
	EventCycleCompleted    EventType = "CYCLE_COMPLETED"
	EventCycleFailed       EventType = "CYCLE_FAILED"
	EventAgentActivity     EventType = "AGENT_ACTIVITY"
	EventTradeOpened       EventType = "TRADE_OPENED"
	EventTradeClosed       EventType = "TRADE_CLOSED"
	EventRegimeUpdated     EventType = "REGIME_UPDATED"
	EventShadowPromoted    EventType = "SHADOW_PROMOTED"
	EventShadowDiscarded   EventType = "SHADOW_DISCARDED"
	EventChatResultReady   EventType = "CHAT_RESULT_READY"
	EventConfirmationAsked EventType = "CONFIRMATION_ASKED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	AccountID string                 `json:"account_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishAgentActivity publishes one agent's progress within a cycle
func (eb *EventBus) PublishAgentActivity(accountID, cycleID, agentName, status string) {
	eb.Publish(Event{
		Type:      EventAgentActivity,
		AccountID: accountID,
		Data: map[string]interface{}{
			"cycle_id": cycleID,
			"agent":    agentName,
			"status":   status,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(accountID, symbol, side string, entryPrice, amount float64) {
	eb.Publish(Event{
		Type:      EventTradeOpened,
		AccountID: accountID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"amount":      amount,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(accountID, symbol string, entryPrice, exitPrice, amount, pnl float64) {
	eb.Publish(Event{
		Type:      EventTradeClosed,
		AccountID: accountID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"amount":      amount,
			"pnl":         pnl,
		},
	})
}

// PublishRegimeUpdated publishes the freshly classified market regime
func (eb *EventBus) PublishRegimeUpdated(regime string) {
	eb.Publish(Event{
		Type: EventRegimeUpdated,
		Data: map[string]interface{}{"regime": regime},
	})
}
