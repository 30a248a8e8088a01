// Package pathmap translates filesystem paths between this process and an
// external content client that mounts the same storage elsewhere.
package pathmap

import (
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

type mapping struct {
	local  string
	client string
}

// Mapper applies prefix mappings, most specific first.
type Mapper struct {
	toClient []mapping
	toLocal  []mapping
}

// New builds a Mapper. Mappings with an empty side are ignored.
func New(mappings []harvest.PathMapping) *Mapper {
	m := &Mapper{}
	for _, pm := range mappings {
		local := clean(pm.From)
		client := clean(pm.To)
		if local == "" || client == "" {
			continue
		}
		m.toClient = append(m.toClient, mapping{local: local, client: client})
		m.toLocal = append(m.toLocal, mapping{local: local, client: client})
	}
	sort.SliceStable(m.toClient, func(i, j int) bool { return len(m.toClient[i].local) > len(m.toClient[j].local) })
	sort.SliceStable(m.toLocal, func(i, j int) bool { return len(m.toLocal[i].client) > len(m.toLocal[j].client) })
	return m
}

// ToClient maps a local path into the client's namespace.
func (m *Mapper) ToClient(p string) string {
	for _, mp := range m.toClient {
		if rel, ok := relative(p, mp.local); ok {
			return path.Join(mp.client, rel)
		}
	}
	return p
}

// ToLocal maps a client path back to the local namespace.
func (m *Mapper) ToLocal(p string) string {
	for _, mp := range m.toLocal {
		if rel, ok := relative(p, mp.client); ok {
			return path.Join(mp.local, rel)
		}
	}
	return p
}

// relative reports p relative to prefix, honoring path-segment boundaries.
func relative(p, prefix string) (string, bool) {
	cleaned := clean(p)
	if cleaned == prefix {
		return "", true
	}
	base := prefix
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if !strings.HasPrefix(cleaned, base) {
		return "", false
	}
	return strings.TrimPrefix(cleaned, base), true
}

func clean(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(p)
}
