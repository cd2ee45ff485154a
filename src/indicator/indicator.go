package indicator

// -----------------------------------------------------------------------------
// Indicator Interface
// -----------------------------------------------------------------------------

// Input is a tunable parameter of an indicator, surfaced in the catalog so
// clients know what to send.
type Input struct {
	Name    string  `json:"name"`
	Default float64 `json:"default"`
}

// Output names one produced column and the axis it renders on.
type Output struct {
	Name  string `json:"name"`
	YAxis string `json:"y_axis"`
}

// Indicator computes derived columns from timestamp-aligned source columns.
// Compute returns output columns of the same length as ts; positions inside
// the warm-up window hold NaN and are dropped at formatting time.
type Indicator interface {
	Name() string
	Label() string
	Columns() []string
	Inputs() []Input
	Outputs() []Output
	Compute(ts []int64, cols map[string][]float64, inputs map[string]float64) map[string][]float64
}

// -----------------------------------------------------------------------------

// param reads a parameter with a fallback to the indicator's declared default.
func param(inputs map[string]float64, name string, def float64) float64 {
	if v, ok := inputs[name]; ok && v > 0 {
		return v
	}
	return def
}
