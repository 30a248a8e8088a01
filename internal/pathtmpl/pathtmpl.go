// Package pathtmpl renders "{ dotted.key }" placeholders in save-path and
// file-name templates.
package pathtmpl

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/release-harvester/internal/fsutil"
)

var placeholderPattern = regexp.MustCompile(`\{\s*([^{}\s]+)\s*\}`)

// Context is the nested value tree placeholders are resolved against.
type Context map[string]any

// BaseContext returns the date keys every render receives.
func BaseContext(now time.Time) Context {
	return Context{
		"currentYear":  now.Year(),
		"currentMonth": fmt.Sprintf("%02d", int(now.Month())),
		"currentDay":   fmt.Sprintf("%02d", now.Day()),
	}
}

// Render substitutes placeholders with sanitized values. Unknown keys render empty,
// and the result has its whitespace collapsed.
func Render(tmpl string, ctx Context) string {
	values := Flatten(ctx)
	rendered := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		return values[key]
	})
	return fsutil.CollapseSpaces(rendered)
}

// Flatten converts ctx into dotted keys with filename-safe values. Nil values are skipped.
func Flatten(ctx Context) map[string]string {
	out := make(map[string]string)
	for key, value := range ctx {
		flattenInto(out, key, value)
	}
	return out
}

func flattenInto(out map[string]string, prefix string, value any) {
	switch v := value.(type) {
	case nil:
	case Context:
		flattenMap(out, prefix, v)
	case map[string]any:
		flattenMap(out, prefix, v)
	case map[string]string:
		for key, nested := range v {
			out[join(prefix, key)] = fsutil.SanitizeFilename(nested)
		}
	case []string:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fsutil.SanitizeFilename(item))
		}
		out[prefix] = strings.Join(items, ", ")
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			items = append(items, fsutil.SanitizeFilename(fmt.Sprint(item)))
		}
		out[prefix] = strings.Join(items, ", ")
	case *int:
		if v != nil {
			out[prefix] = fmt.Sprint(*v)
		}
	case *string:
		if v != nil {
			out[prefix] = fsutil.SanitizeFilename(*v)
		}
	default:
		out[prefix] = fsutil.SanitizeFilename(fmt.Sprint(v))
	}
}

func flattenMap(out map[string]string, prefix string, m map[string]any) {
	for key, nested := range m {
		flattenInto(out, join(prefix, key), nested)
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
