package crawler

import (
	"regexp"
	"strings"
	"time"
)

var (
	infohashPattern   = regexp.MustCompile(`([a-fA-F0-9]{40})`)
	resolutionPattern = regexp.MustCompile(`(?i)\b(480p|720p|960p|1080p|1440p|2160p|4K)\b`)
	subgroupPattern   = regexp.MustCompile(`\[([^\]]+)\]`)
)

// NormalizeInfohash returns the explicit hash, else the first 40-hex token found in
// the description, else in the magnet URI. The result is lowercase or empty.
func NormalizeInfohash(explicit, description, magnet string) string {
	for _, source := range []string{explicit, description, magnet} {
		if source == "" {
			continue
		}
		if m := infohashPattern.FindStringSubmatch(source); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

// ExtractResolution returns the uppercased resolution token in title, mapping 4K to 2160P.
func ExtractResolution(title string) string {
	m := resolutionPattern.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	res := strings.ToUpper(m[1])
	if res == "4K" {
		return "2160P"
	}
	return res
}

// ExtractSubgroup returns the first bracketed token in title.
func ExtractSubgroup(title string) string {
	m := subgroupPattern.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ParsePublished parses an RFC1123Z feed date into UTC. It returns nil when the
// value is empty or unparseable.
func ParsePublished(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC1123Z, value)
	if err != nil {
		ts, err = time.Parse(time.RFC1123, value)
		if err != nil {
			return nil
		}
	}
	ts = ts.UTC()
	return &ts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
