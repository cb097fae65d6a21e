package event

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

// Payload is an upstream event body as decoded from JSON.
type Payload map[string]any

// Adapter maps one upstream event to a TransactionEvent.
type Adapter interface {
	Name() string
	ToTransactionEvent(payload Payload, now time.Time) (TransactionEvent, error)
}

// Binding is the table-driven Adapter used by every upstream context. Payload
// keys are copied into TransactionData in snake_case, then Defaults fill any
// key the payload left out.
type Binding struct {
	EventName          string
	TransactionType    string
	SourceDocumentType string
	IDField            string
	DateField          string
	StationField       string
	CustomerField      string
	Defaults           map[string]any
}

func (b Binding) Name() string { return b.EventName }

func (b Binding) ToTransactionEvent(payload Payload, now time.Time) (TransactionEvent, error) {
	id := stringField(payload, b.IDField)
	if id == "" {
		return TransactionEvent{}, errors.InvalidInput(b.IDField, "is required for "+b.EventName)
	}

	data := make(map[string]any, len(payload)+len(b.Defaults))
	for k, v := range payload {
		data[SnakeCase(k)] = v
	}
	for k, v := range b.Defaults {
		if cur, ok := data[k]; !ok || cur == nil {
			data[k] = v
		}
	}

	stationField := b.StationField
	if stationField == "" {
		stationField = "stationId"
	}

	ts := now
	if b.DateField != "" {
		if t, ok := parseTime(payload[b.DateField]); ok {
			ts = t
		}
	}

	return TransactionEvent{
		EventType:          b.EventName,
		TransactionType:    b.TransactionType,
		SourceDocumentType: b.SourceDocumentType,
		SourceDocumentID:   id,
		TransactionData:    data,
		StationID:          stringField(payload, stationField),
		CustomerID:         stringField(payload, b.CustomerField),
		Timestamp:          ts,
	}, nil
}

// Registry looks adapters up by upstream event name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	now      func() time.Time
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter), now: time.Now}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter registered for name.
func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Adapt converts payload using the adapter registered for name.
func (r *Registry) Adapt(name string, payload Payload) (TransactionEvent, error) {
	a, ok := r.Lookup(name)
	if !ok {
		return TransactionEvent{}, errors.NotFound("event adapter", name)
	}
	return a.ToTransactionEvent(payload, r.now())
}

// Names lists registered event names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SnakeCase converts "receiptId" to "receipt_id". Already snake_case keys are unchanged.
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stringField(p Payload, key string) string {
	if key == "" {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		if s, ok := v.(interface{ String() string }); ok {
			return s.String()
		}
		return ""
	}
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
