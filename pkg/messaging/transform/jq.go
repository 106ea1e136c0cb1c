package transform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/stageconnect/messaging/pkg/messaging/envelope"
)

// Jq returns a Func that runs a jq query over the message payload.
// Envelopes are presented to the query in their JSON wire form and the
// destination is available as $destination.
//
// A query producing no results drops the message; several results are
// collected into an array. Runtime errors are logged and the message passes
// through unchanged.
func Jq(query string, logger *zap.Logger) (Func, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$destination"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	return func(msg Message) (Message, bool) {
		input, err := jqInput(msg.Payload)
		if err != nil {
			logger.Error("jq transform: failed to convert payload",
				zap.String("query", query),
				zap.String("destination", msg.Destination),
				zap.String("payloadType", fmt.Sprintf("%T", msg.Payload)),
				zap.Error(err))
			return msg, true
		}

		iter := code.RunWithContext(context.Background(), input, msg.Destination)

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Error("jq transform: execution error",
					zap.String("query", query),
					zap.String("destination", msg.Destination),
					zap.Error(execErr))
				return msg, true
			}
			results = append(results, result)
		}

		switch len(results) {
		case 0:
			return Message{}, false
		case 1:
			return Message{Destination: msg.Destination, Payload: results[0]}, true
		default:
			return Message{Destination: msg.Destination, Payload: results}, true
		}
	}, nil
}

// jqInput converts a payload into the plain maps, slices and scalars gojq
// accepts.
func jqInput(payload any) (any, error) {
	switch p := payload.(type) {
	case nil, string, bool, float64, int, map[string]any, []any:
		return p, nil
	case envelope.Envelope:
		data, err := envelope.Encode(p)
		if err != nil {
			return nil, err
		}
		return decodeJSON(data)
	case []byte:
		v, err := decodeJSON(p)
		if err != nil {
			return string(p), nil
		}
		return v, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return decodeJSON(data)
	}
}

func decodeJSON(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
