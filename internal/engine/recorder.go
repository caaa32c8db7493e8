package engine

import (
	"time"

	"market_sync/internal/event"
)

// Recorder receives router telemetry. infra.Metrics implements it with prometheus.
type Recorder interface {
	EventProcessed(kind event.Kind)
	EventDropped(reason string)
	DispatchDuration(d time.Duration)
	Resync(symbol string)
	DeltasReplayed(n int)
	DeltasDiscarded(n int)
	SubscriptionsActive(n int)
	BooksActive(n int)
	MailboxOverflow(key string)
}

// Drop reasons reported to Recorder.EventDropped.
const (
	DropInvalid      = "invalid"
	DropMalformed    = "malformed"
	DropUnsubscribed = "unsubscribed"
	DropStale        = "stale"
)

type nopRecorder struct{}

func (nopRecorder) EventProcessed(event.Kind)      {}
func (nopRecorder) EventDropped(string)            {}
func (nopRecorder) DispatchDuration(time.Duration) {}
func (nopRecorder) Resync(string)                  {}
func (nopRecorder) DeltasReplayed(int)             {}
func (nopRecorder) DeltasDiscarded(int)            {}
func (nopRecorder) SubscriptionsActive(int)        {}
func (nopRecorder) BooksActive(int)                {}
func (nopRecorder) MailboxOverflow(string)         {}
