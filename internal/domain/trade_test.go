package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func mustDec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTrade_Validate(t *testing.T) {
	tr := Trade{Price: mustDec("100"), Amount: mustDec("0.5"), Side: TradeBuy, Timestamp: time.Unix(1, 0)}
	assert.NoError(t, tr.Validate())
	assert.True(t, tr.Cost().Equal(mustDec("50")))

	tr.Price = decimal.Zero
	assert.ErrorIs(t, tr.Validate(), ErrMalformedEvent)

	tr.Price = mustDec("1")
	tr.Side = "sideways"
	assert.ErrorIs(t, tr.Validate(), ErrMalformedEvent)
}

func TestCandle_Validate(t *testing.T) {
	c := Candle{
		Timestamp: time.Unix(60, 0),
		Open:      mustDec("1"),
		High:      mustDec("3"),
		Low:       mustDec("0.5"),
		Close:     mustDec("2"),
		Volume:    mustDec("10"),
	}
	assert.NoError(t, c.Validate())

	c.High = mustDec("0.1")
	assert.ErrorIs(t, c.Validate(), ErrMalformedEvent)

	c.High = mustDec("3")
	c.Timestamp = time.Time{}
	assert.ErrorIs(t, c.Validate(), ErrMalformedEvent)
}
