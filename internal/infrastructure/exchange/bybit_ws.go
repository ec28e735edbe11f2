package exchange

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const tickerTopic = "tickers."

// OnPriceUpdate registers a callback for every streamed ticker price.
func (b *BybitAdapter) OnPriceUpdate(callback func(symbol string, price float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// ConnectWS opens the public stream and subscribes to ticker updates.
func (b *BybitAdapter) ConnectWS(symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn != nil {
		// Already connected, just subscribe
		return b.subscribe(symbols)
	}

	c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return err
	}
	b.wsConn = c

	go b.readLoop(c)

	return b.subscribe(symbols)
}

func (b *BybitAdapter) Subscribe(symbols []string) error {
	b.mu.Lock()
	if b.wsConn == nil {
		b.mu.Unlock()
		return b.ConnectWS(symbols)
	}
	defer b.mu.Unlock()
	return b.subscribe(symbols)
}

// CloseWS stops the stream; the read loop exits on the closed connection.
func (b *BybitAdapter) CloseWS() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsConn == nil {
		return nil
	}
	err := b.wsConn.Close()
	b.wsConn = nil
	return err
}

func (b *BybitAdapter) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = tickerTopic + s
	}
	return b.wsConn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
}

type tickerEvent struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (b *BybitAdapter) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			b.logger.Warn("WS read error", zap.Error(err))
			return
		}
		b.handleMessage(message)
	}
}

// handleMessage caches the price of a ticker event and fans it out.
// Deltas without lastPrice are ignored.
func (b *BybitAdapter) handleMessage(message []byte) {
	var event tickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		b.logger.Debug("WS unmarshal error", zap.Error(err))
		return
	}
	if !strings.HasPrefix(event.Topic, tickerTopic) || event.Data.LastPrice == "" {
		return
	}
	symbol := strings.TrimPrefix(event.Topic, tickerTopic)
	price, err := strconv.ParseFloat(event.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	b.storePrice(symbol, price)

	b.mu.Lock()
	callbacks := make([]func(string, float64), len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(symbol, price)
	}
}
