package repository

import (
	"encoding/json"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/errors"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// marshalJSONB encodes v for a JSONB column. A nil slice or map is stored as
// its empty JSON form rather than NULL.
func marshalJSONB(v any, what string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal "+what)
	}
	return b, nil
}

func unmarshalJSONB(raw []byte, dest any, what string) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode "+what)
	}
	return nil
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
