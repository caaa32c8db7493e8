package binance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"market_sync/internal/domain"
	"market_sync/internal/event"

	"github.com/goccy/go-json"
)

var errUnknownFrame = errors.New("unknown frame")

// Decoder turns raw websocket frames into normalized events.
// Frames for instruments missing from the catalog are ignored.
type Decoder struct {
	catalog  domain.InstrumentCatalog
	requests *Requests
}

// NewDecoder creates a decoder. requests may be nil, in which case request
// errors fail every subscription of the connection.
func NewDecoder(catalog domain.InstrumentCatalog, requests *Requests) *Decoder {
	return &Decoder{catalog: catalog, requests: requests}
}

// Decode parses one frame. Payloads that cannot be decoded come back as
// event.Malformed so the router can resync the affected book; an error is only
// returned when the frame is not recognizable at all.
func (d *Decoder) Decode(raw []byte) ([]event.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &domain.DecodeError{Field: "frame", Err: err}
	}

	switch {
	case env.Error != nil:
		return []event.Event{d.venueError(env)}, nil
	case env.Stream != "":
		return d.decodePayload(env.Data)
	case env.Event != "":
		return d.decodePayload(raw)
	case env.ID != nil:
		if d.requests != nil {
			d.requests.resolve(*env.ID)
		}
		return []event.Event{&event.Heartbeat{Timestamp: time.Now()}}, nil
	}
	return nil, &domain.DecodeError{Field: "frame", Err: errUnknownFrame}
}

func (d *Decoder) venueError(env envelope) event.Event {
	ev := &event.VenueError{
		Code:    strconv.Itoa(env.Error.Code),
		Message: env.Error.Msg,
	}
	if env.ID != nil && d.requests != nil {
		if key, ok := d.requests.resolve(*env.ID); ok {
			ev.Channel = key.Channel
			ev.Symbol = key.Symbol
		}
	}
	return ev
}

func (d *Decoder) decodePayload(data []byte) ([]event.Event, error) {
	var hdr payloadHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, &domain.DecodeError{Field: "data", Err: err}
	}

	inst, ok := d.catalog.ByVenueSymbol(Venue, hdr.Symbol)
	if !ok {
		return nil, nil
	}

	var (
		ev      event.Event
		channel domain.Channel
		err     error
	)
	switch hdr.Event {
	case "depthUpdate":
		channel = domain.ChannelOrderBook
		ev, err = decodeDepth(data, inst.Symbol)
	case "trade":
		channel = domain.ChannelTrades
		ev, err = decodeTrade(data, inst.Symbol)
	case "kline":
		channel = domain.ChannelCandles
		ev, err = decodeKline(data, inst.Symbol)
	default:
		return nil, &domain.DecodeError{Field: "e", Err: fmt.Errorf("%w: %q", errUnknownFrame, hdr.Event)}
	}
	if err != nil {
		return []event.Event{&event.Malformed{Channel: channel, Symbol: inst.Symbol, Err: err}}, nil
	}
	return []event.Event{ev}, nil
}

func decodeDepth(data []byte, symbol string) (event.Event, error) {
	var msg depthUpdateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &domain.DecodeError{Field: "depthUpdate", Err: err}
	}

	ev := event.AcquireDelta()
	ev.Symbol = symbol
	ev.FirstSequence = domain.Sequence(msg.FirstUpdateID)
	ev.Sequence = domain.Sequence(msg.FinalUpdateID)
	ev.Timestamp = time.UnixMilli(msg.EventTime).UTC()

	var err error
	if ev.Ops, err = appendOps(ev.Ops, domain.SideBid, msg.Bids); err == nil {
		ev.Ops, err = appendOps(ev.Ops, domain.SideAsk, msg.Asks)
	}
	if err != nil {
		event.ReleaseDelta(ev)
		return nil, err
	}
	return ev, nil
}

// appendOps converts [price, qty] pairs; a zero quantity removes the level.
func appendOps(ops []domain.DeltaOp, side domain.Side, pairs [][]string) ([]domain.DeltaOp, error) {
	for _, p := range pairs {
		if len(p) < 2 {
			return ops, &domain.DecodeError{Field: "level", Err: domain.ErrMalformedEvent}
		}
		lvl, err := domain.NewLevel(p[0], p[1])
		if err != nil {
			return ops, err
		}
		ops = append(ops, domain.DeltaOp{Kind: domain.OpUpsert, Side: side, Price: lvl.Price, Size: lvl.Size})
	}
	return ops, nil
}

func parseLevels(pairs [][]string) ([]domain.Level, error) {
	levels := make([]domain.Level, 0, len(pairs))
	for _, p := range pairs {
		if len(p) < 2 {
			return nil, &domain.DecodeError{Field: "level", Err: domain.ErrMalformedEvent}
		}
		lvl, err := domain.NewLevel(p[0], p[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, lvl)
	}
	return levels, nil
}

func decodeTrade(data []byte, symbol string) (event.Event, error) {
	var msg tradeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &domain.DecodeError{Field: "trade", Err: err}
	}

	// The buyer being the maker means the seller crossed the spread.
	side := domain.TradeBuy
	if msg.IsBuyerMaker {
		side = domain.TradeSell
	}
	return &event.Trade{
		Symbol: symbol,
		Trades: []domain.Trade{{
			Price:     msg.Price,
			Amount:    msg.Quantity,
			Side:      side,
			Timestamp: time.UnixMilli(msg.TradeTime).UTC(),
			ID:        strconv.FormatInt(msg.TradeID, 10),
		}},
	}, nil
}

func decodeKline(data []byte, symbol string) (event.Event, error) {
	var msg klineMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &domain.DecodeError{Field: "kline", Err: err}
	}
	if strings.TrimSpace(msg.Kline.Interval) == "" {
		return nil, &domain.DecodeError{Field: "interval", Err: domain.ErrMalformedEvent}
	}

	k := msg.Kline
	return &event.Candle{
		Symbol:   symbol,
		Interval: k.Interval,
		Candles: []domain.Candle{{
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		}},
	}, nil
}
