package crawler

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// Tracker extension elements (infoHash, seeders, ...) are matched by local name,
// so both the legacy and current nyaa namespaces decode.
type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Description string `xml:"description"`
	InfoHash    string `xml:"infoHash"`
	MagnetURL   string `xml:"magnetUrl"`
	Size        string `xml:"size"`
	Seeders     string `xml:"seeders"`
	Leechers    string `xml:"leechers"`
}

// parseRSS converts a feed document into candidates. Items without a title or
// link are dropped.
func parseRSS(body []byte) ([]harvest.Candidate, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var doc rssDocument
	decoder := xml.NewDecoder(bytes.NewReader(trimmed))
	decoder.Strict = false
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode rss: %w", err)
	}

	candidates := make([]harvest.Candidate, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		title := strings.TrimSpace(item.Title)
		link := firstNonEmpty(item.Link, item.GUID)
		if title == "" || link == "" {
			continue
		}
		magnet := strings.TrimSpace(item.MagnetURL)
		candidates = append(candidates, harvest.Candidate{
			Title:       title,
			Link:        link,
			Magnet:      magnet,
			Infohash:    NormalizeInfohash(item.InfoHash, item.Description, magnet),
			PublishedAt: ParsePublished(item.PubDate),
			Size:        strings.TrimSpace(item.Size),
			Seeders:     atoiOrZero(item.Seeders),
			Leechers:    atoiOrZero(item.Leechers),
			Resolution:  firstNonEmpty(ExtractResolution(title), ExtractResolution(item.Description)),
			Subgroup:    firstNonEmpty(ExtractSubgroup(title), ExtractSubgroup(item.Description)),
		})
	}
	return candidates, nil
}

func atoiOrZero(value string) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
