package server

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
)

var errMissingField = errors.New("missing key or value")

// parseUpdate decodes a POST /config body. The key must be present and
// non-empty; the value must be present and not null. Non-string keys are
// used in their text form and rejected later as unknown settings.
func parseUpdate(body []byte) (string, any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil, err
	}
	if raw == nil {
		return "", nil, errors.New("body is not an object")
	}

	var key any
	if b, ok := raw["key"]; ok {
		if err := json.Unmarshal(b, &key); err != nil {
			return "", nil, err
		}
	}
	var value any
	if b, ok := raw["value"]; ok {
		if err := json.Unmarshal(b, &value); err != nil {
			return "", nil, err
		}
	}
	name := keyName(key)
	if name == "" || value == nil {
		return "", nil, errMissingField
	}
	return name, value, nil
}

// keyName returns "" for an absent or empty key (null, "", 0, false, [] or {}).
func keyName(key any) string {
	switch k := key.(type) {
	case nil:
		return ""
	case string:
		return k
	case bool:
		if !k {
			return ""
		}
	case float64:
		if k == 0 {
			return ""
		}
	case []any:
		if len(k) == 0 {
			return ""
		}
	case map[string]any:
		if len(k) == 0 {
			return ""
		}
	}
	return fmt.Sprint(key)
}

func writeJSON(c *gin.Context, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.String(code, err.Error())
		return
	}
	c.Data(code, "application/json", b)
}
