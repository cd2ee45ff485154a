package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
	"github.com/tradiny/tradiny/src/network"
)

// -----------------------------------------------------------------------------
// Binance Backend
// -----------------------------------------------------------------------------

const (
	binanceRestURL   = "https://api.binance.com/api/v3"
	binanceStreamURL = "wss://stream.binance.com:9443/ws"
	binanceAssetURL  = "https://www.binance.com/bapi/asset/v2/public/asset/asset/get-all-asset"

	binanceMaxLimit     = 1000
	binanceReadLimit    = 1 << 20
	binanceMaxBackoff   = 30 * time.Second
	binanceStartBackoff = time.Second
)

var binanceIntervals = []string{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "1w", "1M",
}

// BinanceBackend serves spot candlesticks: history over REST, live ticks
// over per-(symbol, interval) kline websocket streams.
type BinanceBackend struct {
	Config models.MProviderConfig
	Logger *logger.Logger

	rest *network.Client

	mu      sync.Mutex
	streams map[streamKey]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// -----------------------------------------------------------------------------

func NewBinanceBackend(cfg models.MProviderConfig, log *logger.Logger) *BinanceBackend {
	return &BinanceBackend{
		Config:  cfg,
		Logger:  log,
		rest:    network.NewClient(30*time.Second, 2, log),
		streams: make(map[streamKey]context.CancelFunc),
	}
}

// -----------------------------------------------------------------------------

func (b *BinanceBackend) Key() string {
	if b.Config.Name != "" {
		return b.Config.Name
	}
	return "Binance"
}

// -----------------------------------------------------------------------------

func (b *BinanceBackend) Init() error {
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return nil
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

func (b *BinanceBackend) GetDataset() ([]models.MInstrumentDescriptor, error) {
	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := b.rest.GetJSON(binanceRestURL+"/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	// Human-readable asset names are cosmetic; failure falls back to the
	// raw symbol.
	assetNames := b.fetchAssetNames()

	var out []models.MInstrumentDescriptor
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		label := s.Symbol
		if base, ok := assetNames[s.BaseAsset]; ok {
			if quote, ok := assetNames[s.QuoteAsset]; ok {
				label = base + " - " + quote
			}
		}
		out = append(out, models.MInstrumentDescriptor{
			Source:     b.Key(),
			Name:       s.Symbol,
			NameLabel:  label,
			Type:       "candlestick",
			Categories: []string{"Crypto"},
			Intervals:  binanceIntervals,
			Outputs:    b.outputs(),
		})
	}
	return out, nil
}

// -----------------------------------------------------------------------------

func (b *BinanceBackend) fetchAssetNames() map[string]string {
	var payload struct {
		Data []struct {
			AssetCode string `json:"assetCode"`
			AssetName string `json:"assetName"`
		} `json:"data"`
	}
	if err := b.rest.GetJSON(binanceAssetURL, nil, &payload); err != nil {
		b.Logger.Warning("Asset metadata fetch failed: %v", err)
		return nil
	}

	names := make(map[string]string, len(payload.Data))
	for _, d := range payload.Data {
		names[d.AssetCode] = d.AssetName
	}
	return names
}

// -----------------------------------------------------------------------------

func (b *BinanceBackend) outputs() []models.MOutputDescriptor {
	return []models.MOutputDescriptor{
		{Name: "open", YAxis: "price"},
		{Name: "high", YAxis: "price"},
		{Name: "low", YAxis: "price"},
		{Name: "close", YAxis: "price"},
		{Name: "volume", YAxis: "volume"},
	}
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func (b *BinanceBackend) GetHistory(name, interval string, start, end time.Time, count int) ([]models.MRow, error) {
	limit := count
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}

	params := map[string]string{
		"symbol":   name,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if !start.IsZero() {
		params["startTime"] = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if !end.IsZero() {
		params["endTime"] = strconv.FormatInt(end.UnixMilli(), 10)
	}

	var raw [][]interface{}
	if err := b.rest.GetJSON(binanceRestURL+"/klines", params, &raw); err != nil {
		return nil, err
	}

	rows := make([]models.MRow, 0, len(raw))
	for _, item := range raw {
		if len(item) < 6 {
			continue
		}
		openTime, ok := item[0].(float64)
		if !ok {
			continue
		}
		open, _ := parseFloat(item[1])
		high, _ := parseFloat(item[2])
		low, _ := parseFloat(item[3])
		closePrice, _ := parseFloat(item[4])
		volume, _ := parseFloat(item[5])

		rows = append(rows, b.formatRow(name, interval, int64(openTime)/1000, open, high, low, closePrice, volume))
	}
	return rows, nil
}

// -----------------------------------------------------------------------------

// formatRow names fields "<source>-<symbol>-<interval>-<column>" so rows of
// different series can share one flat map downstream.
func (b *BinanceBackend) formatRow(name, interval string, ts int64, open, high, low, closePrice, volume float64) models.MRow {
	prefix := fmt.Sprintf("%s-%s-%s-", b.Key(), name, interval)
	return models.MRow{
		Timestamp: ts,
		Fields: map[string]float64{
			prefix + "open":   open,
			prefix + "high":   high,
			prefix + "low":    low,
			prefix + "close":  closePrice,
			prefix + "volume": volume,
		},
	}
}

// -----------------------------------------------------------------------------
// Streaming
// -----------------------------------------------------------------------------

func (b *BinanceBackend) StartStream(name, interval string, onRow func(models.MRow)) error {
	key := streamKey{name: name, interval: interval}

	b.mu.Lock()
	if _, running := b.streams[key]; running {
		b.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.streams[key] = cancel
	b.mu.Unlock()

	go b.runStream(ctx, name, interval, onRow)
	return nil
}

// -----------------------------------------------------------------------------

func (b *BinanceBackend) StopStream(name, interval string) error {
	key := streamKey{name: name, interval: interval}

	b.mu.Lock()
	cancel, running := b.streams[key]
	delete(b.streams, key)
	b.mu.Unlock()

	if running {
		cancel()
	}
	return nil
}

// -----------------------------------------------------------------------------

// runStream keeps one kline socket alive with exponential backoff until the
// stream is stopped.
func (b *BinanceBackend) runStream(ctx context.Context, name, interval string, onRow func(models.MRow)) {
	url := fmt.Sprintf("%s/%s@kline_%s", binanceStreamURL, strings.ToLower(name), interval)
	backoff := binanceStartBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := b.consumeStream(ctx, url, name, interval, onRow)
		if ctx.Err() != nil {
			return
		}
		b.Logger.Warning("Stream %s %s %s dropped: %v, reconnecting in %v", b.Key(), name, interval, err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > binanceMaxBackoff {
			backoff = binanceMaxBackoff
		}
	}
}

// -----------------------------------------------------------------------------

type binanceKlineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

func (b *BinanceBackend) consumeStream(ctx context.Context, url, name, interval string, onRow func(models.MRow)) error {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(binanceReadLimit)
	defer ws.Close(websocket.StatusNormalClosure, "shutdown")

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		var ev binanceKlineEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.EventType != "kline" {
			continue
		}

		open, _ := strconv.ParseFloat(ev.Kline.Open, 64)
		high, _ := strconv.ParseFloat(ev.Kline.High, 64)
		low, _ := strconv.ParseFloat(ev.Kline.Low, 64)
		closePrice, _ := strconv.ParseFloat(ev.Kline.Close, 64)
		volume, _ := strconv.ParseFloat(ev.Kline.Volume, 64)

		onRow(b.formatRow(name, interval, ev.Kline.OpenTime/1000, open, high, low, closePrice, volume))
	}
}

// -----------------------------------------------------------------------------

func (b *BinanceBackend) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	b.streams = make(map[streamKey]context.CancelFunc)
	b.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------------------

func parseFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
