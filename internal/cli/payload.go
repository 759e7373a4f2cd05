package cli

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parsePayload собирает payload из JSON объекта и пар KEY=VALUE.
// Пары KEY=VALUE перекрывают ключи JSON.
func parsePayload(raw string, inputs []string) (map[string]any, error) {
	var payload map[string]any

	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
		if payload == nil {
			return nil, fmt.Errorf("invalid --payload: expected a JSON object")
		}
	}

	for _, kv := range inputs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		if payload == nil {
			payload = make(map[string]any)
		}
		payload[parts[0]] = parts[1]
	}

	return payload, nil
}
