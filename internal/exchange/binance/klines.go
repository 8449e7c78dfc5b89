package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"grid-martingale/internal/core"
)

const defaultWSBaseURL = "wss://fstream.binance.com"

// KlineStream consumes the 1-minute kline stream for one symbol and emits
// closed bars. It reconnects with jittered backoff and drops a connection
// that stays silent past the configured deadline.
type KlineStream struct {
	baseURL     string
	symbol      string
	interval    string
	silence     time.Duration
	onReconnect func(attempt int, err error)
}

type KlineStreamOptions struct {
	BaseURL     string
	Silence     time.Duration
	OnReconnect func(attempt int, err error)
}

func NewKlineStream(symbol string, opts KlineStreamOptions) *KlineStream {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultWSBaseURL
	}
	silence := opts.Silence
	if silence <= 0 {
		silence = 90 * time.Second
	}
	return &KlineStream{
		baseURL:     baseURL,
		symbol:      strings.ToLower(symbol),
		interval:    "1m",
		silence:     silence,
		onReconnect: opts.OnReconnect,
	}
}

func (s *KlineStream) url() string {
	return s.baseURL + "/ws/" + s.symbol + "@kline_" + s.interval
}

// Run blocks until ctx ends, sending closed bars into out. Connection
// failures reconnect forever; only context cancellation returns.
func (s *KlineStream) Run(ctx context.Context, out chan<- core.Bar) error {
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	attempt := 0
	for {
		err := s.consume(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		if s.onReconnect != nil {
			s.onReconnect(attempt, err)
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *KlineStream) consume(ctx context.Context, out chan<- core.Bar) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.silence))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// Unblock the read loop when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.silence)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		bar, closed, err := parseKlineMessage(msg)
		if err != nil || !closed {
			continue
		}
		select {
		case out <- bar:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func parseKlineMessage(msg []byte) (core.Bar, bool, error) {
	var ev klineEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return core.Bar{}, false, err
	}
	if ev.EventType != "kline" {
		return core.Bar{}, false, errors.New("not a kline event")
	}
	bar := core.Bar{
		Symbol:    ev.Symbol,
		Open:      mustDecimal(ev.Kline.Open),
		High:      mustDecimal(ev.Kline.High),
		Low:       mustDecimal(ev.Kline.Low),
		Close:     mustDecimal(ev.Kline.Close),
		Volume:    mustDecimal(ev.Kline.Volume),
		CloseTime: time.UnixMilli(ev.Kline.CloseTime).UTC(),
	}
	return bar, ev.Kline.Closed, nil
}
