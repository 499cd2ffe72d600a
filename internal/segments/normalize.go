package segments

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/nomoretears/backend/internal/models"
)

var (
	startKeys   = []string{"start", "startTime", "start_time"}
	endKeys     = []string{"end", "endTime", "end_time"}
	titleKeys   = []string{"title", "name"}
	summaryKeys = []string{"summary", "description"}
)

// Normalize converts raw AI segments into the stored shape. The first present key of each
// group wins; missing or unparsable values fall back to 0, 0, "Untitled Segment" and "".
func Normalize(raw []map[string]any) []models.Segment {
	out := make([]models.Segment, 0, len(raw))
	for _, r := range raw {
		if r == nil {
			continue
		}
		title := firstString(r, titleKeys)
		if title == "" {
			title = models.DefaultSegmentTitle
		}
		out = append(out, models.Segment{
			Start:   firstNumber(r, startKeys),
			End:     firstNumber(r, endKeys),
			Title:   title,
			Summary: firstString(r, summaryKeys),
		})
	}
	return out
}

func firstNumber(m map[string]any, keys []string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return 0
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
