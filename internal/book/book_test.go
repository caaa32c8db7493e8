package book

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"market_sync/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lvl(price, size string) domain.Level {
	return domain.Level{Price: d(price), Size: d(size)}
}

func upsert(side domain.Side, price, size string) domain.DeltaOp {
	return domain.DeltaOp{Kind: domain.OpUpsert, Side: side, Price: d(price), Size: d(size)}
}

func remove(side domain.Side, price string) domain.DeltaOp {
	return domain.DeltaOp{Kind: domain.OpRemove, Side: side, Price: d(price)}
}

func at(seq int64) Stamp {
	return Stamp{First: domain.NoSequence, Sequence: domain.Sequence(seq)}
}

// pairs renders a side as [price, size] strings so assertions ignore decimal scale.
func pairs(levels []domain.Level) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Size.String()}
	}
	return out
}

func TestNew(t *testing.T) {
	b := New("BTC/USDT", nil)

	assert.Equal(t, "BTC/USDT", b.Symbol())
	assert.Equal(t, Uninitialized, b.State())
	assert.False(t, b.Sequence().Valid())
	assert.Equal(t, 0, b.Bids().Len())
}

func TestApplySnapshot(t *testing.T) {
	b := New("BTC/USDT", nil)
	ts := time.UnixMilli(1700000000000)

	b.ApplySnapshot(
		[]domain.Level{lvl("9900", "2"), lvl("10000", "1"), lvl("9800", "0")},
		[]domain.Level{lvl("10200", "2.5"), lvl("10100", "1.5")},
		123, ts,
	)

	assert.Equal(t, Live, b.State())
	assert.Equal(t, domain.Sequence(123), b.Sequence())
	assert.Equal(t, ts, b.Timestamp())

	v := b.View(0)
	assert.Equal(t, [][2]string{{"10000", "1"}, {"9900", "2"}}, pairs(v.Bids), "bids descending, zero size dropped")
	assert.Equal(t, [][2]string{{"10100", "1.5"}, {"10200", "2.5"}}, pairs(v.Asks), "asks ascending")
}

func TestApplySnapshot_DuplicatePricesLastWins(t *testing.T) {
	b := New("X/Y", nil)
	b.ApplySnapshot(
		[]domain.Level{lvl("10", "1"), lvl("10.0", "3"), lvl("9", "1")},
		[]domain.Level{lvl("11", "1"), lvl("11", "0")},
		1, time.Time{},
	)

	v := b.View(0)
	assert.Equal(t, [][2]string{{"10", "3"}, {"9", "1"}}, pairs(v.Bids))
	assert.Empty(t, v.Asks)
}

func TestApplySnapshot_Idempotent(t *testing.T) {
	bids := []domain.Level{lvl("100", "5"), lvl("99", "1")}
	asks := []domain.Level{lvl("101", "3")}
	ts := time.Unix(10, 0)

	b := New("X/Y", nil)
	b.ApplySnapshot(bids, asks, 10, ts)
	first := b.View(0)

	b.ApplySnapshot(bids, asks, 10, ts)
	second := b.View(0)

	assert.Equal(t, first, second)
}

func TestApplySnapshot_DiscardsPriorState(t *testing.T) {
	b := New("X/Y", nil)
	b.ApplySnapshot([]domain.Level{lvl("1", "1")}, nil, 5, time.Time{})
	_, err := b.ApplyDelta([]domain.DeltaOp{upsert(domain.SideBid, "2", "2")}, at(6))
	require.NoError(t, err)

	b.ApplySnapshot([]domain.Level{lvl("3", "3")}, nil, 2, time.Time{})

	assert.Equal(t, [][2]string{{"3", "3"}}, pairs(b.View(0).Bids))
	assert.Equal(t, domain.Sequence(2), b.Sequence())
}

func TestApplyDelta_EndToEnd(t *testing.T) {
	b := New("X/Y", nil)
	b.ApplySnapshot([]domain.Level{lvl("100", "5")}, []domain.Level{lvl("101", "3")}, 10, time.Time{})

	verdict, err := b.ApplyDelta([]domain.DeltaOp{upsert(domain.SideBid, "100", "0")}, at(11))
	require.NoError(t, err)
	assert.Equal(t, InSequence, verdict)

	v := b.View(0)
	assert.Empty(t, v.Bids)
	assert.Equal(t, [][2]string{{"101", "3"}}, pairs(v.Asks))
	assert.Equal(t, domain.Sequence(11), v.Sequence)
}

func TestApplyDelta_Operations(t *testing.T) {
	b := New("X/Y", nil)
	b.ApplySnapshot(
		[]domain.Level{lvl("10000", "1"), lvl("9900", "2")},
		[]domain.Level{lvl("10.300", "1.5"), lvl("10200", "2.5")},
		123, time.Time{},
	)

	_, err := b.ApplyDelta([]domain.DeltaOp{
		upsert(domain.SideBid, "9800", "3"),  // new level
		upsert(domain.SideAsk, "10.3", "2"),  // replace, equal despite scale
		upsert(domain.SideAsk, "10200", "1"), // replace
		remove(domain.SideBid, "5"),          // absent: no-op
		upsert(domain.SideAsk, "99999", "0"), // absent zero size: no-op
		upsert(domain.SideBid, "9950", "1"),  // inserted in the middle
		remove(domain.SideBid, "9950"),       // and removed again in the same batch
		upsert(domain.SideBid, "10000", "4"), // last write wins
		upsert(domain.SideBid, "10000", "4.5"),
	}, at(124))
	require.NoError(t, err)

	v := b.View(0)
	assert.Equal(t, [][2]string{{"10000", "4.5"}, {"9900", "2"}, {"9800", "3"}}, pairs(v.Bids))
	assert.Equal(t, [][2]string{{"10.3", "2"}, {"10200", "1"}}, pairs(v.Asks))
}

func TestApplyDelta_GapAppliesNothing(t *testing.T) {
	b := New("X/Y", nil)
	b.ApplySnapshot([]domain.Level{lvl("100", "5")}, nil, 10, time.Time{})
	before := b.View(0)

	verdict, err := b.ApplyDelta([]domain.DeltaOp{upsert(domain.SideBid, "100", "0")}, at(12))
	require.NoError(t, err)
	assert.Equal(t, Gap, verdict)
	assert.Equal(t, before, b.View(0))
}

func TestApplyDelta_NotLive(t *testing.T) {
	b := New("X/Y", nil)
	_, err := b.ApplyDelta(nil, at(1))
	assert.ErrorIs(t, err, domain.ErrBookNotLive)

	b.ApplySnapshot(nil, nil, 1, time.Time{})
	b.MarkSyncing()
	_, err = b.ApplyDelta(nil, at(2))
	assert.ErrorIs(t, err, domain.ErrBookNotLive)
}

func TestApplyDelta_KeepsSequenceWhenAbsent(t *testing.T) {
	b := New("X/Y", TimestampOrdered)
	b.ApplySnapshot(nil, nil, domain.NoSequence, time.Unix(10, 0))

	verdict, err := b.ApplyDelta([]domain.DeltaOp{upsert(domain.SideAsk, "1", "1")},
		Stamp{First: domain.NoSequence, Sequence: domain.NoSequence, Timestamp: time.Unix(11, 0)})
	require.NoError(t, err)
	assert.Equal(t, InSequence, verdict)
	assert.False(t, b.Sequence().Valid())
	assert.Equal(t, time.Unix(11, 0), b.Timestamp())
}

func TestReset(t *testing.T) {
	b := New("X/Y", nil)
	b.ApplySnapshot([]domain.Level{lvl("1", "1")}, []domain.Level{lvl("2", "1")}, 7, time.Unix(1, 0))

	b.Reset()

	assert.Equal(t, Syncing, b.State())
	assert.False(t, b.Sequence().Valid())
	assert.Equal(t, 0, b.Bids().Len())
	assert.Equal(t, 0, b.Asks().Len())
}

func TestView(t *testing.T) {
	b := New("X/Y", nil)
	b.ApplySnapshot(
		[]domain.Level{lvl("10", "1"), lvl("9", "1"), lvl("8", "1")},
		[]domain.Level{lvl("11", "1"), lvl("12", "1")},
		1, time.Time{},
	)

	v := b.View(2)
	assert.Len(t, v.Bids, 2)
	assert.Len(t, v.Asks, 2)
	assert.Equal(t, "LIVE", v.State)

	spread, ok := v.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(d("1")))

	// Views are copies.
	_, err := b.ApplyDelta([]domain.DeltaOp{upsert(domain.SideBid, "10", "0")}, at(2))
	require.NoError(t, err)
	best, _ := v.BestBid()
	assert.Equal(t, "10", best.Price.String())

	empty := New("X/Y", nil).View(0)
	_, ok = empty.Spread()
	assert.False(t, ok)
}

// model is a plain map-based reference book used to check determinism.
type model struct {
	bids, asks map[string]decimal.Decimal
}

func (m *model) apply(op domain.DeltaOp) {
	side := m.bids
	if op.Side == domain.SideAsk {
		side = m.asks
	}
	key := op.Price.String()
	if op.Removes() {
		delete(side, key)
		return
	}
	side[key] = op.Size
}

func (m *model) levels(side map[string]decimal.Decimal, desc bool) [][2]string {
	out := make([]domain.Level, 0, len(side))
	for p, s := range side {
		out = append(out, domain.Level{Price: d(p), Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return pairs(out)
}

func TestApplyDelta_MatchesReferenceModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	randOp := func() domain.DeltaOp {
		side := domain.SideBid
		if rng.Intn(2) == 0 {
			side = domain.SideAsk
		}
		price := decimal.NewFromInt(int64(90 + rng.Intn(20))).Div(decimal.NewFromInt(10))
		size := decimal.NewFromInt(int64(rng.Intn(4)))
		kind := domain.OpUpsert
		if rng.Intn(5) == 0 {
			kind = domain.OpRemove
		}
		return domain.DeltaOp{Kind: kind, Side: side, Price: price, Size: size}
	}

	for round := 0; round < 20; round++ {
		b := New("X/Y", nil)
		m := &model{bids: map[string]decimal.Decimal{}, asks: map[string]decimal.Decimal{}}

		var snapBids []domain.Level
		for i := 0; i < 5; i++ {
			op := randOp()
			op.Side, op.Kind = domain.SideBid, domain.OpUpsert
			snapBids = append(snapBids, domain.Level{Price: op.Price, Size: op.Size})
		}
		b.ApplySnapshot(snapBids, nil, 0, time.Time{})
		for _, l := range snapBids {
			m.apply(domain.DeltaOp{Kind: domain.OpUpsert, Side: domain.SideBid, Price: l.Price, Size: l.Size})
		}

		for seq := int64(1); seq <= 50; seq++ {
			ops := make([]domain.DeltaOp, 1+rng.Intn(6))
			for i := range ops {
				ops[i] = randOp()
				m.apply(ops[i])
			}
			verdict, err := b.ApplyDelta(ops, at(seq))
			require.NoError(t, err)
			require.Equal(t, InSequence, verdict)
		}

		v := b.View(0)
		assert.Equal(t, m.levels(m.bids, true), pairs(v.Bids), "round %d bids", round)
		assert.Equal(t, m.levels(m.asks, false), pairs(v.Asks), "round %d asks", round)
	}
}
