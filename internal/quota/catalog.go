package quota

import (
	"fmt"
	"strings"
	"time"
)

// DefaultCatalog is the demo key set used when nothing is configured.
const DefaultCatalog = "DEMO-KEY-1D:24h,DEMO-KEY-7D:168h,DEMO-KEY-30D:720h"

// Catalog maps unlock keys to grant durations. It is read-only after parsing.
type Catalog struct {
	keys map[string]time.Duration
}

// ParseCatalog reads "KEY:duration,KEY:duration".
func ParseCatalog(s string) (Catalog, error) {
	c := Catalog{keys: make(map[string]time.Duration)}
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, dur, ok := strings.Cut(item, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Catalog{}, fmt.Errorf("catalog entry %q: want KEY:duration", item)
		}
		d, err := time.ParseDuration(strings.TrimSpace(dur))
		if err != nil {
			return Catalog{}, fmt.Errorf("catalog entry %q: %w", item, err)
		}
		if d <= 0 {
			return Catalog{}, fmt.Errorf("catalog entry %q: duration must be positive", item)
		}
		c.keys[key] = d
	}
	return c, nil
}

func (c Catalog) Lookup(key string) (time.Duration, bool) {
	d, ok := c.keys[key]
	return d, ok
}

func (c Catalog) Len() int { return len(c.keys) }
