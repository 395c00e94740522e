package grpc

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/loveretold/recording/internal/session"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts any JSON-tagged value into a protobuf Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a protobuf Struct into a JSON-tagged value
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

type getRequest struct {
	SessionID string `json:"session_id"`
}

type updateRequest struct {
	SessionID string         `json:"session_id"`
	Update    session.Update `json:"update"`
}
