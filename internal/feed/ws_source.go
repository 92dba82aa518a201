package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/polymarket-trader/internal/logging"
	"github.com/GoPolymarket/polymarket-trader/internal/types"
)

// wireLevel is the over-the-wire shape of one book level: [price, size]
// strings, matching the CLOB's own book-message encoding.
type wireLevel [2]string

// wireMessage is the tagged envelope the upstream WebSocket sends. Exact
// field names are venue-specific; this shape is deliberately permissive
// (event_type discriminates, unused fields are ignored) since the network
// surface itself is out of scope and only needs to produce valid RawEvents.
type wireMessage struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Changes   []struct {
		Side  string `json:"side"`
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"changes"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"` // unix millis as string, per venue convention
}

// WSSource is a gorilla/websocket-backed Source. It dials once per
// Subscribe call; Feed.Run supplies the reconnect loop around it.
type WSSource struct {
	url  string
	log  *logging.Logger
	dial func(url string) (*websocket.Conn, error)
}

// NewWSSource creates a WSSource pointed at a WebSocket URL.
func NewWSSource(url string, log *logging.Logger) *WSSource {
	return &WSSource{
		url: url,
		log: log,
		dial: func(url string) (*websocket.Conn, error) {
			c, _, err := websocket.DefaultDialer.Dial(url, nil)
			return c, err
		},
	}
}

// Subscribe dials the WebSocket, sends a subscription message for
// marketIDs, and streams normalized RawEvents until ctx is cancelled or the
// connection drops.
func (s *WSSource) Subscribe(ctx context.Context, marketIDs []string) (<-chan RawEvent, error) {
	conn, err := s.dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("dial feed websocket: %w", err)
	}

	sub := struct {
		Type      string   `json:"type"`
		AssetsIDs []string `json:"assets_ids"`
	}{Type: "subscribe", AssetsIDs: marketIDs}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe message: %w", err)
	}

	out := make(chan RawEvent, 256)
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }

	go func() {
		defer close(out)
		defer closeConn()

		go func() {
			<-ctx.Done()
			closeConn()
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("ws_read_error", "error", err.Error())
				}
				return
			}
			var msg wireMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.log.Warn("ws_decode_error", "error", err.Error())
				continue
			}
			ev, ok := toRawEvent(msg)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func toRawEvent(msg wireMessage) (RawEvent, bool) {
	marketID := msg.AssetID
	if marketID == "" {
		marketID = msg.Market
	}
	if marketID == "" {
		return RawEvent{}, false
	}

	sourceTs := parseWireTs(msg.Timestamp)

	switch msg.EventType {
	case "book":
		return RawEvent{
			MarketID: marketID,
			Kind:     types.TapeBookSnapshot,
			SourceTs: sourceTs,
			Seq:      msg.Seq,
			Bids:     toLevels(msg.Bids),
			Asks:     toLevels(msg.Asks),
		}, true
	case "price_change":
		var bids, asks []types.BookLevel
		for _, c := range msg.Changes {
			price, err1 := decimal.NewFromString(c.Price)
			size, err2 := decimal.NewFromString(c.Size)
			if err1 != nil || err2 != nil {
				continue
			}
			lvl := types.BookLevel{Price: price, Size: size}
			if c.Side == "buy" || c.Side == "BUY" {
				bids = append(bids, lvl)
			} else {
				asks = append(asks, lvl)
			}
		}
		return RawEvent{
			MarketID: marketID,
			Kind:     types.TapeBookDelta,
			SourceTs: sourceTs,
			Seq:      msg.Seq,
			Bids:     bids,
			Asks:     asks,
		}, true
	case "last_trade_price":
		price, err1 := decimal.NewFromString(msg.Price)
		size, err2 := decimal.NewFromString(msg.Size)
		if err1 != nil || err2 != nil {
			return RawEvent{}, false
		}
		side := types.Buy
		if msg.Side == "sell" || msg.Side == "SELL" {
			side = types.Sell
		}
		return RawEvent{
			MarketID: marketID,
			Kind:     types.TapeTrade,
			SourceTs: sourceTs,
			Seq:      msg.Seq,
			Trade:    types.LastTrade{Price: price, Size: size, Side: side, Ts: sourceTs},
		}, true
	default:
		return RawEvent{}, false
	}
}

func toLevels(wire []wireLevel) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(wire))
	for _, w := range wire {
		price, err1 := decimal.NewFromString(w[0])
		size, err2 := decimal.NewFromString(w[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.BookLevel{Price: price, Size: size})
	}
	return out
}

func parseWireTs(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
