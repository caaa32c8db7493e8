package event

import (
	"sync"
	"time"

	"market_sync/internal/domain"
)

// deltaPool recycles Delta events, the highest-volume message of any depth stream.
//
// Usage:
//
//	ev := AcquireDelta()
//	ev.Symbol = "BTC/USDT"
//	// ... hand to the router, which releases it once applied or discarded ...
var deltaPool = sync.Pool{
	New: func() interface{} {
		return &Delta{FirstSequence: domain.NoSequence, Sequence: domain.NoSequence}
	},
}

// AcquireDelta gets a Delta from the pool.
// Sequences start as domain.NoSequence and Ops is empty with retained capacity.
func AcquireDelta() *Delta {
	return deltaPool.Get().(*Delta)
}

// ReleaseDelta returns a Delta to the pool. The caller must not touch it afterwards.
func ReleaseDelta(ev *Delta) {
	if ev == nil {
		return
	}
	ev.Symbol = ""
	for i := range ev.Ops {
		ev.Ops[i] = domain.DeltaOp{}
	}
	ev.Ops = ev.Ops[:0]
	ev.FirstSequence = domain.NoSequence
	ev.Sequence = domain.NoSequence
	ev.Timestamp = time.Time{}

	deltaPool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 1000

	evs := make([]*Delta, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireDelta())
	}
	for _, ev := range evs {
		ReleaseDelta(ev)
	}
}
