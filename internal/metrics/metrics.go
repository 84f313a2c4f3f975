// Package metrics defines the instrumentation points of the dispatch service
// and their Prometheus implementation.
package metrics

import "time"

// Collector receives instrumentation events. Implementations must be safe
// for concurrent use.
type Collector interface {
	// EventIngested counts an upstream event by kind and outcome
	// (accepted, duplicate, invalid).
	EventIngested(kind, outcome string)
	// EventPublished records one bus publish.
	EventPublished(delivered, dropped int)
	// FilterDecision counts filter outcomes by kind.
	FilterDecision(kind string, accepted bool)
	// LagNotice counts lag notices and the events they replaced.
	LagNotice(missed uint64)
	// MessageSent counts send outcomes (sent, failed, unreachable, dropped).
	MessageSent(kind, result string)
	// RenderCompleted observes artifact render latency.
	RenderCompleted(d time.Duration, err error)
	// SubscriptionsActive sets the live subscription gauge.
	SubscriptionsActive(n int)
	// ReconcileTransition counts reconcile outcomes by resulting state.
	ReconcileTransition(state string)
	// ReconcileCompleted observes one reconcile pass.
	ReconcileCompleted(full bool, d time.Duration)
}

// Nop discards every metric.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) EventIngested(string, string)           {}
func (Nop) EventPublished(int, int)                {}
func (Nop) FilterDecision(string, bool)            {}
func (Nop) LagNotice(uint64)                       {}
func (Nop) MessageSent(string, string)             {}
func (Nop) RenderCompleted(time.Duration, error)   {}
func (Nop) SubscriptionsActive(int)                {}
func (Nop) ReconcileTransition(string)             {}
func (Nop) ReconcileCompleted(bool, time.Duration) {}
