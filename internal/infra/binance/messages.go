// Package binance adapts the Binance spot market-data API to normalized events.
package binance

import (
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Venue is the catalog name of this adapter.
const Venue = "binance"

// Binance reuses keys that differ only in case ("e"/"E", "t"/"T"). JSON field
// matching is case-insensitive, so every struct that reads one of a pair also
// declares the other.

// envelope covers every frame of a combined stream connection: stream payloads,
// request acknowledgements and request errors.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error"`
	Event  string          `json:"e"`
	Time   int64           `json:"E"`
}

type payloadHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type depthUpdateMessage struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type tradeMessage struct {
	Event        string          `json:"e"`
	EventTime    int64           `json:"E"`
	Symbol       string          `json:"s"`
	TradeID      int64           `json:"t"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	TradeTime    int64           `json:"T"`
	IsBuyerMaker bool            `json:"m"`
	Ignore       bool            `json:"M"`
}

type klineMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime       int64           `json:"t"`
		CloseTime      int64           `json:"T"`
		Interval       string          `json:"i"`
		Open           decimal.Decimal `json:"o"`
		High           decimal.Decimal `json:"h"`
		Low            decimal.Decimal `json:"l"`
		LastTradeID    int64           `json:"L"`
		Close          decimal.Decimal `json:"c"`
		Volume         decimal.Decimal `json:"v"`
		TakerBuyVolume decimal.Decimal `json:"V"`
		QuoteVolume    decimal.Decimal `json:"q"`
		TakerBuyQuote  decimal.Decimal `json:"Q"`
		Closed         bool            `json:"x"`
	} `json:"k"`
}

type depthSnapshotMessage struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// request is a SUBSCRIBE/UNSUBSCRIBE frame.
type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}
