package client

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts any JSON-encodable value into a protobuf Struct. Decimals,
// times and typed maps are normalised through their JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return structpb.NewStruct(m)
}

// stringList reads a list of strings from a Struct field, skipping non-strings.
func stringList(s *structpb.Struct, field string) []string {
	if s == nil {
		return nil
	}
	list := s.GetFields()[field].GetListValue()
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		if str, ok := v.GetKind().(*structpb.Value_StringValue); ok && str.StringValue != "" {
			out = append(out, str.StringValue)
		}
	}
	return out
}
