package models

import (
	"encoding/json"
	"fmt"
)

// -----------------------------------------------------------------------------
// Inbound Messages (one variant per action, decoded by the "type" tag)
// -----------------------------------------------------------------------------

// ClientMessage is the closed set of messages a consumer connection may send.
type ClientMessage interface {
	clientMessage()
}

// MDataRequest subscribes to a live series and requests its recent history.
type MDataRequest struct {
	Source   string `json:"source"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Count    int    `json:"count"`
	Stream   *bool  `json:"stream"` // nil means true
}

// MDataHistoryRequest is a one-shot range fetch ending at an explicit date.
type MDataHistoryRequest struct {
	Source   string `json:"source"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Count    int    `json:"count"`
	End      string `json:"end"` // wire date or "now UTC"
}

// MIndicatorRequest subscribes to a derived series.
type MIndicatorRequest struct {
	ID        string                   `json:"id"`
	Indicator string                   `json:"indicator"`
	Inputs    map[string]float64       `json:"inputs"`
	DataMap   map[string]MDataMapEntry `json:"dataMap"`
	Count     int                      `json:"count"`
	Range     []string                 `json:"range"`
	UpdateOn  string                   `json:"update_on"` // "every-tick" (default) or "close-only"
	Stream    *bool                    `json:"stream"`
}

// MIndicatorHistoryRequest computes a derived series once, without subscribing.
type MIndicatorHistoryRequest struct {
	ID        string                   `json:"id"`
	Indicator string                   `json:"indicator"`
	Inputs    map[string]float64       `json:"inputs"`
	DataMap   map[string]MDataMapEntry `json:"dataMap"`
	Count     int                      `json:"count"`
	Range     []string                 `json:"range"`
}

// MUnsubscribeRequest drops a data or indicator subscription.
type MUnsubscribeRequest struct {
	Source   string `json:"source"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
	ID       string `json:"id"` // indicator subscription id, if any
}

func (MDataRequest) clientMessage()             {}
func (MDataHistoryRequest) clientMessage()      {}
func (MIndicatorRequest) clientMessage()        {}
func (MIndicatorHistoryRequest) clientMessage() {}
func (MUnsubscribeRequest) clientMessage()      {}

// -----------------------------------------------------------------------------

// MDataMapEntry binds one named indicator input to a series column.
type MDataMapEntry struct {
	Source   string `json:"source"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
	Value    string `json:"value"` // column name within the series
}

// -----------------------------------------------------------------------------

func (e MDataMapEntry) Key() MSeriesKey {
	return MSeriesKey{Source: e.Source, Name: e.Name, Interval: e.Interval}
}

// -----------------------------------------------------------------------------

type envelope struct {
	Type string `json:"type"`
}

// DecodeClientMessage parses one raw inbound message into its typed variant.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	switch env.Type {
	case "data":
		var m MDataRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "data_history":
		var m MDataHistoryRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "indicator":
		var m MIndicatorRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "indicator_history":
		var m MIndicatorHistoryRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case "unsubscribe":
		var m MUnsubscribeRequest
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

// -----------------------------------------------------------------------------
// Outbound Messages
// -----------------------------------------------------------------------------

// MDataResponse carries raw series rows to one consumer. Type is one of
// "data_init", "data_history" or "data_update".
type MDataResponse struct {
	Type     string               `json:"type"`
	Source   string               `json:"source"`
	Name     string               `json:"name"`
	Interval string               `json:"interval"`
	Data     interface{}          `json:"data"` // []MRow for init/history, MRow for update
	Metadata *MInstrumentMetadata `json:"metadata,omitempty"`
}

// MIndicatorResponse carries derived points. Type is one of "indicator_init",
// "indicator_history" or "indicator_update".
type MIndicatorResponse struct {
	Type string      `json:"type"`
	ID   string      `json:"id"`
	Data interface{} `json:"data"`
}

// MNoData reports a missing dependency for one indicator request.
type MNoData struct {
	Type string `json:"type"` // always "no_data"
	ID   string `json:"id"`
}

// MNotification carries rate-limit or error text to one consumer.
type MNotification struct {
	Type    string `json:"type"` // always "notification"
	Message string `json:"message"`
}

// -----------------------------------------------------------------------------

func NewNoData(id string) MNoData {
	return MNoData{Type: "no_data", ID: id}
}

func NewNotification(message string) MNotification {
	return MNotification{Type: "notification", Message: message}
}
