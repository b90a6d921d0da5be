package settings

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var errNullValue = errors.New("value is null")

// Parse converts raw into the Go type of kind: string, int, float64, bool or
// time.Duration. Paths are plain strings.
func Parse(kind Kind, raw any) (any, error) {
	if raw == nil {
		return nil, errNullValue
	}
	switch kind {
	case KindBool:
		return parseBool(raw), nil
	case KindInt:
		return parseInt(raw)
	case KindFloat:
		return parseFloat(raw)
	case KindDuration:
		return parseDuration(raw)
	case KindString, KindPath:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprint(raw), nil
	default:
		return nil, fmt.Errorf("unsupported kind %d", kind)
	}
}

// parseBool treats true, 1, t, yes and y (any case) as true and everything
// else as false.
func parseBool(raw any) bool {
	if b, ok := raw.(bool); ok {
		return b
	}
	switch strings.ToLower(strings.TrimSpace(fmt.Sprint(raw))) {
	case "true", "1", "t", "yes", "y":
		return true
	}
	return false
}

func parseInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint:
		if v > math.MaxInt {
			return 0, fmt.Errorf("integer %d out of range", v)
		}
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		if v > math.MaxInt {
			return 0, fmt.Errorf("integer %d out of range", v)
		}
		return int(v), nil
	case float32:
		return intFromFloat(float64(v))
	case float64:
		return intFromFloat(v)
	case json.Number:
		return parseInt(string(v))
	case string:
		s := strings.TrimSpace(v)
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("invalid literal for int: %q", v)
		}
		return n, nil
	case bool:
		return 0, fmt.Errorf("cannot use bool %v as int", v)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", raw)
	}
}

func intFromFloat(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	if f >= math.MaxInt || f < math.MinInt {
		return 0, fmt.Errorf("integer %v out of range", f)
	}
	return int(f), nil
}

func parseFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case json.Number:
		return parseFloat(string(v))
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("could not convert string to float: %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float", raw)
	}
}

// parseDuration accepts a time.Duration, a Go duration string ("1m30s") or a
// number of seconds.
func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		return secondsToDuration(f)
	case bool:
		return 0, fmt.Errorf("cannot use bool %v as duration", v)
	default:
		f, err := parseFloat(raw)
		if err != nil {
			n, ierr := parseInt(raw)
			if ierr != nil {
				return 0, fmt.Errorf("cannot convert %T to duration", raw)
			}
			f = float64(n)
		}
		return secondsToDuration(f)
	}
}

func secondsToDuration(f float64) (time.Duration, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("invalid duration %v", f)
	}
	if f >= float64(math.MaxInt64)/float64(time.Second) {
		return 0, fmt.Errorf("duration %v out of range", f)
	}
	return time.Duration(f * float64(time.Second)), nil
}

// format renders a stored value the way the control plane reports it.
func format(v any) any {
	switch t := v.(type) {
	case time.Duration:
		return t.String()
	default:
		return v
	}
}

// Executable appends ".exe" to path on Windows when it has no extension.
func Executable(path string) string {
	if runtime.GOOS == "windows" && filepath.Ext(path) == "" {
		return path + ".exe"
	}
	return path
}
