package upstream

import (
	"strconv"
	"strings"
	"time"
)

type cacheControl struct {
	maxAge         *int64
	mustRevalidate bool
}

// parseCacheControl reads the directives relevant to freshness. s-maxage
// wins over max-age; no-cache is treated as must-revalidate.
func parseCacheControl(value string) cacheControl {
	var cc cacheControl
	var maxAge, sMaxAge *int64
	for _, part := range strings.Split(value, ",") {
		name, arg, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "max-age":
			maxAge = parseSeconds(arg)
		case "s-maxage":
			sMaxAge = parseSeconds(arg)
		case "must-revalidate", "no-cache":
			cc.mustRevalidate = true
		}
	}
	cc.maxAge = maxAge
	if sMaxAge != nil {
		cc.maxAge = sMaxAge
	}
	return cc
}

func parseSeconds(arg string) *int64 {
	v, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(arg), `"`), 10, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func (cc cacheControl) expires(now time.Time) (time.Time, bool) {
	if cc.maxAge == nil {
		return time.Time{}, false
	}
	return now.Add(time.Duration(*cc.maxAge) * time.Second).UTC().Truncate(time.Second), true
}
