package indicator

import "math"

// -----------------------------------------------------------------------------
// SMA
// -----------------------------------------------------------------------------

type SMA struct{}

func (SMA) Name() string      { return "sma" }
func (SMA) Label() string     { return "Simple Moving Average" }
func (SMA) Columns() []string { return []string{"close"} }
func (SMA) Inputs() []Input   { return []Input{{Name: "period", Default: 20}} }
func (SMA) Outputs() []Output { return []Output{{Name: "sma", YAxis: "price"}} }

func (SMA) Compute(ts []int64, cols map[string][]float64, inputs map[string]float64) map[string][]float64 {
	period := int(param(inputs, "period", 20))
	closes := cols["close"]
	out := nanSlice(len(closes))

	sum := 0.0
	for i, v := range closes {
		sum += v
		if i >= period {
			sum -= closes[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return map[string][]float64{"sma": out}
}

// -----------------------------------------------------------------------------
// EMA
// -----------------------------------------------------------------------------

type EMA struct{}

func (EMA) Name() string      { return "ema" }
func (EMA) Label() string     { return "Exponential Moving Average" }
func (EMA) Columns() []string { return []string{"close"} }
func (EMA) Inputs() []Input   { return []Input{{Name: "period", Default: 20}} }
func (EMA) Outputs() []Output { return []Output{{Name: "ema", YAxis: "price"}} }

func (EMA) Compute(ts []int64, cols map[string][]float64, inputs map[string]float64) map[string][]float64 {
	period := int(param(inputs, "period", 20))
	return map[string][]float64{"ema": emaSeries(cols["close"], period)}
}

// -----------------------------------------------------------------------------
// RSI
// -----------------------------------------------------------------------------

// RSI uses Wilder smoothing for the average gain and loss.
type RSI struct{}

func (RSI) Name() string      { return "rsi" }
func (RSI) Label() string     { return "Relative Strength Index" }
func (RSI) Columns() []string { return []string{"close"} }
func (RSI) Inputs() []Input   { return []Input{{Name: "period", Default: 14}} }
func (RSI) Outputs() []Output { return []Output{{Name: "rsi", YAxis: "oscillator"}} }

func (RSI) Compute(ts []int64, cols map[string][]float64, inputs map[string]float64) map[string][]float64 {
	period := int(param(inputs, "period", 14))
	closes := cols["close"]
	out := nanSlice(len(closes))
	if len(closes) <= period {
		return map[string][]float64{"rsi": out}
	}

	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) + (-change)) / float64(period)
		}
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return map[string][]float64{"rsi": out}
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// -----------------------------------------------------------------------------
// MACD
// -----------------------------------------------------------------------------

type MACD struct{}

func (MACD) Name() string      { return "macd" }
func (MACD) Label() string     { return "MACD" }
func (MACD) Columns() []string { return []string{"close"} }
func (MACD) Inputs() []Input {
	return []Input{
		{Name: "fast", Default: 12},
		{Name: "slow", Default: 26},
		{Name: "signal", Default: 9},
	}
}
func (MACD) Outputs() []Output {
	return []Output{
		{Name: "macd", YAxis: "oscillator"},
		{Name: "signal", YAxis: "oscillator"},
		{Name: "histogram", YAxis: "oscillator"},
	}
}

func (MACD) Compute(ts []int64, cols map[string][]float64, inputs map[string]float64) map[string][]float64 {
	fast := int(param(inputs, "fast", 12))
	slow := int(param(inputs, "slow", 26))
	signalPeriod := int(param(inputs, "signal", 9))
	closes := cols["close"]

	fastEMA := emaSeries(closes, fast)
	slowEMA := emaSeries(closes, slow)

	macd := nanSlice(len(closes))
	for i := range closes {
		if !math.IsNaN(fastEMA[i]) && !math.IsNaN(slowEMA[i]) {
			macd[i] = fastEMA[i] - slowEMA[i]
		}
	}

	// Signal line smooths the defined span of the MACD line.
	signal := nanSlice(len(closes))
	if start := firstDefined(macd); start >= 0 {
		smoothed := emaSeries(macd[start:], signalPeriod)
		copy(signal[start:], smoothed)
	}

	histogram := nanSlice(len(closes))
	for i := range closes {
		if !math.IsNaN(macd[i]) && !math.IsNaN(signal[i]) {
			histogram[i] = macd[i] - signal[i]
		}
	}

	return map[string][]float64{"macd": macd, "signal": signal, "histogram": histogram}
}

func firstDefined(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

// -----------------------------------------------------------------------------
// ATR
// -----------------------------------------------------------------------------

type ATR struct{}

func (ATR) Name() string      { return "atr" }
func (ATR) Label() string     { return "Average True Range" }
func (ATR) Columns() []string { return []string{"high", "low", "close"} }
func (ATR) Inputs() []Input   { return []Input{{Name: "period", Default: 14}} }
func (ATR) Outputs() []Output { return []Output{{Name: "atr", YAxis: "oscillator"}} }

func (ATR) Compute(ts []int64, cols map[string][]float64, inputs map[string]float64) map[string][]float64 {
	period := int(param(inputs, "period", 14))
	highs, lows, closes := cols["high"], cols["low"], cols["close"]
	out := nanSlice(len(closes))
	if len(closes) <= period {
		return map[string][]float64{"atr": out}
	}

	trs := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		tr1 := highs[i] - lows[i]
		tr2 := math.Abs(highs[i] - closes[i-1])
		tr3 := math.Abs(lows[i] - closes[i-1])
		trs[i] = math.Max(tr1, math.Max(tr2, tr3))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)
	out[period] = atr

	for i := period + 1; i < len(closes); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
		out[i] = atr
	}
	return map[string][]float64{"atr": out}
}

// -----------------------------------------------------------------------------
// Bollinger Bands
// -----------------------------------------------------------------------------

type Bollinger struct{}

func (Bollinger) Name() string      { return "bollinger" }
func (Bollinger) Label() string     { return "Bollinger Bands" }
func (Bollinger) Columns() []string { return []string{"close"} }
func (Bollinger) Inputs() []Input {
	return []Input{
		{Name: "period", Default: 20},
		{Name: "deviations", Default: 2},
	}
}
func (Bollinger) Outputs() []Output {
	return []Output{
		{Name: "upper", YAxis: "price"},
		{Name: "middle", YAxis: "price"},
		{Name: "lower", YAxis: "price"},
	}
}

func (Bollinger) Compute(ts []int64, cols map[string][]float64, inputs map[string]float64) map[string][]float64 {
	period := int(param(inputs, "period", 20))
	deviations := param(inputs, "deviations", 2)
	closes := cols["close"]

	upper := nanSlice(len(closes))
	middle := nanSlice(len(closes))
	lower := nanSlice(len(closes))

	for i := period - 1; i < len(closes); i++ {
		mean, std := meanStd(closes[i-period+1 : i+1])
		middle[i] = mean
		upper[i] = mean + deviations*std
		lower[i] = mean - deviations*std
	}
	return map[string][]float64{"upper": upper, "middle": middle, "lower": lower}
}
