// Package event defines the transaction event consumed by the posting engine
// and the adapters that build it from upstream domain payloads.
package event

import (
	"time"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

// Metadata keys exposed to rule and tolerance conditions.
const (
	KeyEventType          = "event_type"
	KeyTransactionType    = "transaction_type"
	KeySourceDocumentType = "source_document_type"
	KeySourceDocumentID   = "source_document_id"
	KeyStationID          = "station_id"
	KeyCustomerID         = "customer_id"
	KeyTimestamp          = "timestamp"
)

// TransactionEvent is the immutable input to one posting flow.
type TransactionEvent struct {
	EventType          string         `json:"event_type"`
	TransactionType    string         `json:"transaction_type"`
	SourceDocumentType string         `json:"source_document_type"`
	SourceDocumentID   string         `json:"source_document_id"`
	TransactionData    map[string]any `json:"transaction_data"`
	StationID          string         `json:"station_id,omitempty"`
	CustomerID         string         `json:"customer_id,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// Metadata returns the envelope fields under their condition aliases.
func (e TransactionEvent) Metadata() map[string]any {
	m := map[string]any{
		KeyEventType:          e.EventType,
		KeyTransactionType:    e.TransactionType,
		KeySourceDocumentType: e.SourceDocumentType,
		KeySourceDocumentID:   e.SourceDocumentID,
		KeyTimestamp:          e.Timestamp,
	}
	if e.StationID != "" {
		m[KeyStationID] = e.StationID
	}
	if e.CustomerID != "" {
		m[KeyCustomerID] = e.CustomerID
	}
	return m
}

// Data returns TransactionData, never nil.
func (e TransactionEvent) Data() map[string]any {
	if e.TransactionData == nil {
		return map[string]any{}
	}
	return e.TransactionData
}

// Validate checks the fields every posting flow depends on.
func (e TransactionEvent) Validate() error {
	switch {
	case e.EventType == "":
		return errors.InvalidInput("event_type", "is required")
	case e.TransactionType == "":
		return errors.InvalidInput("transaction_type", "is required")
	case e.SourceDocumentType == "":
		return errors.InvalidInput("source_document_type", "is required")
	case e.SourceDocumentID == "":
		return errors.InvalidInput("source_document_id", "is required")
	}
	return nil
}

// Fingerprint identifies the source document for locking and idempotency.
func (e TransactionEvent) Fingerprint() string {
	return e.SourceDocumentType + ":" + e.SourceDocumentID
}

// ToMap renders the event for audit storage.
func (e TransactionEvent) ToMap() map[string]any {
	return map[string]any{
		"eventType":          e.EventType,
		"transactionType":    e.TransactionType,
		"sourceDocumentType": e.SourceDocumentType,
		"sourceDocumentId":   e.SourceDocumentID,
		"transactionData":    e.Data(),
		"stationId":          e.StationID,
		"customerId":         e.CustomerID,
		"timestamp":          e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// FromMap rebuilds an event stored with ToMap.
func FromMap(m map[string]any) (TransactionEvent, error) {
	str := func(k string) string {
		s, _ := m[k].(string)
		return s
	}

	e := TransactionEvent{
		EventType:          str("eventType"),
		TransactionType:    str("transactionType"),
		SourceDocumentType: str("sourceDocumentType"),
		SourceDocumentID:   str("sourceDocumentId"),
		StationID:          str("stationId"),
		CustomerID:         str("customerId"),
	}
	if data, ok := m["transactionData"].(map[string]any); ok {
		e.TransactionData = data
	}
	if ts := str("timestamp"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return TransactionEvent{}, errors.InvalidInput("timestamp", err.Error())
		}
		e.Timestamp = t
	}
	return e, e.Validate()
}
