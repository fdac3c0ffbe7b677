package gateway

import "encoding/json"

// normalize round-trips a document through JSON so the schema validator
// sees decoded shapes (float64 numbers, map[string]any objects) even when
// the caller built the map with Go-native values.
func normalize(doc map[string]any) any {
	data, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return doc
	}
	return out
}
