package models

// -----------------------------------------------------------------------------
// Instrument Catalog
// -----------------------------------------------------------------------------

// MInstrumentDescriptor is one entry of a provider's dataset catalog.
type MInstrumentDescriptor struct {
	Source     string              `json:"source"`
	Name       string              `json:"name"`
	NameLabel  string              `json:"name_label"`
	Type       string              `json:"type"` // "candlestick" or "line"
	Categories []string            `json:"categories"`
	Intervals  []string            `json:"intervals"`
	Outputs    []MOutputDescriptor `json:"outputs"`
}

type MOutputDescriptor struct {
	Name  string `json:"name"`
	YAxis string `json:"y_axis"`
}

// -----------------------------------------------------------------------------

// MInstrumentMetadata is attached to data responses so the consumer can label
// axes without a second catalog round-trip.
type MInstrumentMetadata struct {
	NameLabel string              `json:"name_label"`
	Type      string              `json:"type"`
	Outputs   []MOutputDescriptor `json:"outputs"`
}
