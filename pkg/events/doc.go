/*
Package events provides an in-memory event broker for burrow's lifecycle
notifications.

The events package implements a lightweight bus for broadcasting broker
lifecycle events to interested subscribers. It supports type-filtered
subscriptions with asynchronous delivery, enabling loose coupling between the
broker core and its observers (daemon logging, metrics) without touching the
message plane that modules see.

These events are out-of-band: they are Go-level notifications for the process
hosting the broker. Message-plane events — the ones fanned out to modules by
topic-prefix subscription — are carried by pkg/message and routed by
pkg/broker instead.

# Core Components

Event Broker:
  - Central bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Event identifier set by the publisher (Publish does not assign one)
  - Type: Event type (module.running, service.added, ...)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context

Event Types:
  - Module: loaded, running, exited
  - Service: added, removed

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to matching subscriber channels
 5. Full subscriber buffers skip (no blocking)

# Usage

Creating and starting:

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

Subscribing to module exits only:

	sub := bus.SubscribeTypes(events.EventModuleExited)
	defer bus.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

# Design Patterns

Non-Blocking Publish:
  - Publish sends to a buffered channel and returns immediately
  - Events may be dropped if a subscriber lags
  - Trade-off: the reactor never blocks on an observer

Fire-and-Forget:
  - No acknowledgment from subscribers
  - Suitable for monitoring, not for message-plane delivery

# See Also

  - pkg/broker for the publishers
  - pkg/metrics for the counting subscriber
*/
package events
