package util

import (
	"encoding/json"
)

// ConvertMapToStruct decodes a generic JSON object into v. Fields of v
// absent from m keep their current values.
func ConvertMapToStruct(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
