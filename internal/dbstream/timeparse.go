package dbstream

import (
	"fmt"
	"strings"
	"time"

	"tributary/internal/domain"
	"tributary/internal/storage"
)

var layouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// ParseTime converts a slice bound into epoch seconds. Numbers and numeric
// strings are taken as epoch seconds, time.Time as is, and date strings are
// read in local time unless they carry a zone (RFC 3339).
func ParseTime(v any) (float64, error) {
	switch x := v.(type) {
	case time.Time:
		return domain.Epoch(x), nil
	case *time.Time:
		return domain.Epoch(*x), nil
	case string:
		s := strings.TrimSpace(x)
		if f, ok := storage.NumericKey(s); ok {
			return f, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return domain.Epoch(t), nil
		}
		for _, layout := range layouts {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return domain.Epoch(t), nil
			}
		}
		return 0, fmt.Errorf("unrecognized time %q", x)
	}
	if f, ok := domain.ToFloat(v); ok {
		return f, nil
	}
	return 0, fmt.Errorf("unsupported time bound %T", v)
}
