package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantflow/tradeguard/exchange"
	"github.com/quantflow/tradeguard/internal/config"
	"github.com/quantflow/tradeguard/resilience"
	"github.com/quantflow/tradeguard/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA FEED - Live futures candles and prices
// ═══════════════════════════════════════════════════════════════════════════════
//
// Primary source is the Binance futures WebSocket kline stream. When the
// stream goes stale a rate-limited REST fallback fills the gap, and polled
// data never overwrites fresher streamed data.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	futuresStreamURL = "wss://fstream.binance.com/stream?streams="
	testnetStreamURL = "wss://stream.binancefuture.com/stream?streams="
	pingInterval     = 30 * time.Second

	// Binance futures allows 2400 request weight/min; stay far below it
	fallbackRateLimit = rate.Limit(5)
)

// PriceUpdate represents a price change event
type PriceUpdate struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// MarketFeed streams candles and prices for a set of symbols
type MarketFeed struct {
	mu      sync.RWMutex
	cfg     *config.FeedConfig
	symbols []string
	testnet bool

	conn      *websocket.Conn
	connected bool
	running   bool
	errored   bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	// REST fallback
	client  exchange.Client
	fetcher *resilience.Fetcher
	limiter *rate.Limiter

	// Per-symbol state
	buffers    map[string]*CandleBuffer
	lastPrice  map[string]decimal.Decimal
	lastUpdate map[string]time.Time

	subscribers []chan PriceUpdate
}

// NewMarketFeed creates a feed for the given symbols. client and fetcher
// back the REST fallback path.
func NewMarketFeed(cfg *config.FeedConfig, symbols []string, testnet bool, client exchange.Client, fetcher *resilience.Fetcher) *MarketFeed {
	buffers := make(map[string]*CandleBuffer, len(symbols))
	for _, s := range symbols {
		buffers[s] = NewCandleBuffer(cfg.CandleBuffer)
	}

	return &MarketFeed{
		cfg:         cfg,
		symbols:     symbols,
		testnet:     testnet,
		stopCh:      make(chan struct{}),
		client:      client,
		fetcher:     fetcher,
		limiter:     rate.NewLimiter(fallbackRateLimit, 1),
		buffers:     buffers,
		lastPrice:   make(map[string]decimal.Decimal),
		lastUpdate:  make(map[string]time.Time),
		subscribers: make([]chan PriceUpdate, 0),
	}
}

// Start connects the stream and begins the fallback loop
func (f *MarketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(2)
	go f.connectionLoop()
	go f.fallbackLoop()

	log.Info().
		Strs("symbols", f.symbols).
		Str("timeframe", f.cfg.Timeframe).
		Msg("📡 Market feed started")
}

// Stop closes the connection and joins the worker goroutines
func (f *MarketFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
	log.Info().Msg("Market feed stopped")
}

// Subscribe returns a channel that receives price updates. Slow consumers
// drop updates rather than block the feed.
func (f *MarketFeed) Subscribe() chan PriceUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan PriceUpdate, 100)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Price returns the last known price for a symbol
func (f *MarketFeed) Price(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.lastPrice[symbol]
	return p, ok
}

// Candles returns up to n recent candles for a symbol, oldest first
func (f *MarketFeed) Candles(symbol string, n int) []types.Candle {
	f.mu.RLock()
	buf := f.buffers[symbol]
	f.mu.RUnlock()

	if buf == nil {
		return nil
	}
	return buf.Last(n)
}

// IsFresh reports whether a symbol's data is younger than MaxDataAge
func (f *MarketFeed) IsFresh(symbol string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	last, ok := f.lastUpdate[symbol]
	return ok && time.Since(last) < f.cfg.MaxDataAge
}

// IsConnected reports whether the stream is up
func (f *MarketFeed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// IsErrored reports whether reconnection was abandoned. The REST fallback
// keeps running even in this state.
func (f *MarketFeed) IsErrored() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.errored
}

// streamURL builds the combined kline stream URL for all symbols
func (f *MarketFeed) streamURL() string {
	base := futuresStreamURL
	if f.testnet {
		base = testnetStreamURL
	}

	streams := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), f.cfg.Timeframe))
	}
	return base + strings.Join(streams, "/")
}

// connectionLoop maintains the WebSocket connection, reconnecting with a
// fixed delay up to MaxReconnectAttempts consecutive failures
func (f *MarketFeed) connectionLoop() {
	defer f.wg.Done()

	attempts := 0
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			attempts++
			if attempts >= f.cfg.MaxReconnectAttempts {
				f.mu.Lock()
				f.errored = true
				f.mu.Unlock()
				log.Error().
					Int("attempts", attempts).
					Msg("🚨 Stream reconnection abandoned, running on REST fallback only")
				return
			}

			log.Warn().Err(err).
				Int("attempt", attempts).
				Dur("retry_in", f.cfg.ReconnectDelay).
				Msg("Stream connection failed")

			select {
			case <-f.stopCh:
				return
			case <-time.After(f.cfg.ReconnectDelay):
			}
			continue
		}

		attempts = 0
		f.readLoop()

		select {
		case <-f.stopCh:
			return
		case <-time.After(f.cfg.ReconnectDelay):
		}
	}
}

// connect dials the combined stream
func (f *MarketFeed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.streamURL(), nil)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()

	log.Info().Int("streams", len(f.symbols)).Msg("🔌 Market stream connected")

	go f.pingLoop(conn)
	return nil
}

// pingLoop keeps one connection alive; it exits when that connection dies
func (f *MarketFeed) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop reads stream messages until the connection fails
func (f *MarketFeed) readLoop() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("Stream read error")
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()
			return
		}

		f.processMessage(message)
	}
}

// streamEnvelope wraps combined-stream payloads
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// klineEvent is a Binance futures kline stream event
type klineEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Symbol   string `json:"s"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Trades   int64  `json:"n"`
		Final    bool   `json:"x"`
	} `json:"k"`
}

// processMessage handles one stream message
func (f *MarketFeed) processMessage(data []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	var ev klineEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil || ev.EventType != "kline" {
		return
	}

	candle := types.Candle{
		Symbol:   ev.Symbol,
		OpenTime: time.UnixMilli(ev.Kline.OpenTime),
		Open:     mustDecimal(ev.Kline.Open),
		High:     mustDecimal(ev.Kline.High),
		Low:      mustDecimal(ev.Kline.Low),
		Close:    mustDecimal(ev.Kline.Close),
		Volume:   mustDecimal(ev.Kline.Volume),
		Trades:   ev.Kline.Trades,
	}

	f.apply(ev.Symbol, candle, time.Now())
}

// apply updates per-symbol state and notifies subscribers. Updates older
// than what is already recorded are dropped, which keeps a slow REST poll
// from clobbering streamed data.
func (f *MarketFeed) apply(symbol string, candle types.Candle, at time.Time) {
	f.mu.Lock()
	if last, ok := f.lastUpdate[symbol]; ok && at.Before(last) {
		f.mu.Unlock()
		return
	}
	buf := f.buffers[symbol]
	old := f.lastPrice[symbol]
	f.lastPrice[symbol] = candle.Close
	f.lastUpdate[symbol] = at
	f.mu.Unlock()

	if buf != nil {
		buf.Append(candle)
	}

	if !candle.Close.Equal(old) {
		f.broadcast(PriceUpdate{
			Symbol:    symbol,
			Price:     candle.Close,
			Timestamp: at,
		})
	}
}

// Inject records a candle as if it had just arrived from the stream.
// Intended for replay and simulation harnesses.
func (f *MarketFeed) Inject(candle types.Candle) {
	f.apply(candle.Symbol, candle, time.Now())
}

// fallbackLoop polls REST for any symbol whose data has gone stale
func (f *MarketFeed) fallbackLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			for _, symbol := range f.symbols {
				if f.IsFresh(symbol) {
					continue
				}
				f.pollSymbol(symbol)
			}
		}
	}
}

// pollSymbol fetches recent candles over REST for one stale symbol
func (f *MarketFeed) pollSymbol(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.MaxDataAge)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return
	}

	candles, err := resilience.Fetch(ctx, f.fetcher, f.client.Name(), "candles",
		func(ctx context.Context) ([]types.Candle, error) {
			return f.client.FetchCandles(ctx, symbol, f.cfg.Timeframe, 2)
		})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("REST fallback fetch failed")
		return
	}

	at := time.Now()
	for _, c := range candles {
		f.apply(symbol, c, at)
	}

	log.Debug().Str("symbol", symbol).Int("candles", len(candles)).Msg("REST fallback refreshed symbol")
}

// broadcast sends an update to all subscribers without blocking
func (f *MarketFeed) broadcast(update PriceUpdate) {
	f.mu.RLock()
	subs := f.subscribers
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- update:
		default:
			// Channel full, skip
		}
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
