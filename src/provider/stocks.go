package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
	"github.com/tradiny/tradiny/src/network"
	"github.com/tradiny/tradiny/src/utils"
)

// -----------------------------------------------------------------------------
// Stocks Backend
// -----------------------------------------------------------------------------

const (
	stocksChartURL    = "https://query1.finance.yahoo.com/v8/finance/chart"
	defaultPollSecond = 60
)

var stocksIntervals = []string{"1m", "5m", "15m", "30m", "1h", "1d"}

// chartInterval maps internal interval names to the chart API's granularity.
var chartInterval = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "60m",
	"1d":  "1d",
}

// StocksBackend serves equities by polling a chart REST API. There is no
// vendor push stream; StartStream falls back to a poll loop gated by the
// exchange trading calendar so closed markets cost nothing.
type StocksBackend struct {
	Config models.MProviderConfig
	Logger *logger.Logger

	rest *network.Client
	poll time.Duration

	mu     sync.Mutex
	polls  map[streamKey]context.CancelFunc
	lastTS map[streamKey]int64

	ctx    context.Context
	cancel context.CancelFunc
}

// -----------------------------------------------------------------------------

func NewStocksBackend(cfg models.MProviderConfig, log *logger.Logger) *StocksBackend {
	pollSeconds := cfg.PollIntervalSeconds
	if pollSeconds <= 0 {
		pollSeconds = defaultPollSecond
	}
	return &StocksBackend{
		Config: cfg,
		Logger: log,
		rest:   network.NewClient(30*time.Second, 2, log),
		poll:   time.Duration(pollSeconds) * time.Second,
		polls:  make(map[streamKey]context.CancelFunc),
		lastTS: make(map[streamKey]int64),
	}
}

// -----------------------------------------------------------------------------

func (s *StocksBackend) Key() string {
	if s.Config.Name != "" {
		return s.Config.Name
	}
	return "Stocks"
}

// -----------------------------------------------------------------------------

func (s *StocksBackend) Init() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return nil
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// GetDataset lists the configured symbols; equities have no exchange-info
// endpoint to enumerate, the operator names what to serve.
func (s *StocksBackend) GetDataset() ([]models.MInstrumentDescriptor, error) {
	out := make([]models.MInstrumentDescriptor, 0, len(s.Config.Symbols))
	for _, symbol := range s.Config.Symbols {
		out = append(out, models.MInstrumentDescriptor{
			Source:     s.Key(),
			Name:       symbol,
			NameLabel:  symbol,
			Type:       "candlestick",
			Categories: []string{"Stocks"},
			Intervals:  stocksIntervals,
			Outputs: []models.MOutputDescriptor{
				{Name: "open", YAxis: "price"},
				{Name: "high", YAxis: "price"},
				{Name: "low", YAxis: "price"},
				{Name: "close", YAxis: "price"},
				{Name: "volume", YAxis: "volume"},
			},
		})
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

func (s *StocksBackend) GetHistory(name, interval string, start, end time.Time, count int) ([]models.MRow, error) {
	granularity, ok := chartInterval[interval]
	if !ok {
		return nil, fmt.Errorf("interval %s not supported by %s", interval, s.Key())
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		lookback, err := utils.LookbackStart(interval, end, count)
		if err != nil {
			return nil, err
		}
		start = lookback
	}

	params := map[string]string{
		"interval":       granularity,
		"period1":        strconv.FormatInt(start.Unix(), 10),
		"period2":        strconv.FormatInt(end.Unix(), 10),
		"includePrePost": "false",
	}

	var chart chartResponse
	if err := s.rest.GetJSON(stocksChartURL+"/"+name, params, &chart); err != nil {
		return nil, err
	}
	return s.parseChart(name, interval, &chart)
}

// -----------------------------------------------------------------------------

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// parseChart flattens one chart payload to rows, dropping positions with
// null quotes. The API can return timestamps unordered around session
// boundaries, so rows are sorted before returning.
func (s *StocksBackend) parseChart(name, interval string, chart *chartResponse) ([]models.MRow, error) {
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("chart api error: %s - %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("no chart result for %s", name)
	}
	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no quote data for %s", name)
	}
	quote := result.Indicators.Quote[0]
	if len(result.Timestamp) != len(quote.Close) {
		return nil, fmt.Errorf("misaligned chart arrays for %s", name)
	}

	prefix := fmt.Sprintf("%s-%s-%s-", s.Key(), name, interval)
	rows := make([]models.MRow, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil ||
			quote.Close[i] == nil || quote.Volume[i] == nil {
			continue
		}
		rows = append(rows, models.MRow{
			Timestamp: ts,
			Fields: map[string]float64{
				prefix + "open":   *quote.Open[i],
				prefix + "high":   *quote.High[i],
				prefix + "low":    *quote.Low[i],
				prefix + "close":  *quote.Close[i],
				prefix + "volume": *quote.Volume[i],
			},
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	return rows, nil
}

// -----------------------------------------------------------------------------
// Streaming (poll loop)
// -----------------------------------------------------------------------------

func (s *StocksBackend) StartStream(name, interval string, onRow func(models.MRow)) error {
	key := streamKey{name: name, interval: interval}

	s.mu.Lock()
	if _, running := s.polls[key]; running {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.polls[key] = cancel
	s.mu.Unlock()

	go s.runPoll(ctx, key, onRow)
	return nil
}

// -----------------------------------------------------------------------------

func (s *StocksBackend) runPoll(ctx context.Context, key streamKey, onRow func(models.MRow)) {
	cal := utils.CalendarFor(key.name)
	bucket, err := utils.IntervalDuration(key.interval)
	if err != nil {
		s.Logger.Error("Poll %s %s %s: %v", s.Key(), key.name, key.interval, err)
		return
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !cal.IsOpen(time.Now()) {
				continue
			}

			end := time.Now().UTC()
			start := end.Add(-2 * bucket)
			rows, err := s.GetHistory(key.name, key.interval, start, end, 0)
			if err != nil {
				s.Logger.Warning("Poll %s %s %s failed: %v", s.Key(), key.name, key.interval, err)
				continue
			}

			s.mu.Lock()
			last := s.lastTS[key]
			s.mu.Unlock()

			for _, row := range rows {
				// Re-emit the newest known bucket so intra-bucket
				// revisions propagate.
				if row.Timestamp < last {
					continue
				}
				onRow(row)
				if row.Timestamp > last {
					last = row.Timestamp
				}
			}

			s.mu.Lock()
			s.lastTS[key] = last
			s.mu.Unlock()
		}
	}
}

// -----------------------------------------------------------------------------

func (s *StocksBackend) StopStream(name, interval string) error {
	key := streamKey{name: name, interval: interval}

	s.mu.Lock()
	cancel, running := s.polls[key]
	delete(s.polls, key)
	s.mu.Unlock()

	if running {
		cancel()
	}
	return nil
}

// -----------------------------------------------------------------------------

// ExpectsSilence reports that a poll loop is quiet on purpose while the
// symbol's exchange is closed, so the gateway must not restart it.
func (s *StocksBackend) ExpectsSilence(name, interval string) bool {
	return !utils.CalendarFor(name).IsOpen(time.Now())
}

// -----------------------------------------------------------------------------

func (s *StocksBackend) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	s.polls = make(map[streamKey]context.CancelFunc)
	s.mu.Unlock()
	return nil
}
