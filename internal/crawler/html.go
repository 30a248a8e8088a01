package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/release-harvester/internal/harvest"
)

// parseHTML scrapes the tracker's results table. Relative hrefs resolve against base.
func parseHTML(body []byte, base *url.URL) ([]harvest.Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var candidates []harvest.Candidate
	doc.Find("table.torrent-list tbody tr").Each(func(_ int, row *goquery.Selection) {
		titleLink := row.Find("td:nth-child(2) a:not(.comments)").Last()
		if titleLink.Length() == 0 {
			return
		}
		title := strings.TrimSpace(titleLink.Text())
		if title == "" {
			title = strings.TrimSpace(titleLink.AttrOr("title", ""))
		}
		if title == "" {
			return
		}
		link := resolveHref(base, titleLink.AttrOr("href", ""))

		links := row.Find("td:nth-child(3)")
		magnet := strings.TrimSpace(links.Find("a[href^='magnet']").First().AttrOr("href", ""))
		if torrent, ok := links.Find("a[href$='.torrent']").First().Attr("href"); ok && torrent != "" {
			link = resolveHref(base, torrent)
		}
		if link == "" {
			return
		}

		candidates = append(candidates, harvest.Candidate{
			Title:       title,
			Link:        link,
			Magnet:      magnet,
			Infohash:    NormalizeInfohash("", "", magnet),
			PublishedAt: parseTimestampCell(row.Find("td:nth-child(5)")),
			Size:        strings.TrimSpace(row.Find("td:nth-child(4)").Text()),
			Seeders:     digitsOrZero(row.Find("td:nth-child(6)").Text()),
			Leechers:    digitsOrZero(row.Find("td:nth-child(7)").Text()),
			Resolution:  ExtractResolution(title),
			Subgroup:    ExtractSubgroup(title),
		})
	})
	return candidates, nil
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func digitsOrZero(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0
		}
	}
	return atoiOrZero(text)
}

// parseTimestampCell reads the unix data-timestamp attribute the date column carries.
func parseTimestampCell(cell *goquery.Selection) *time.Time {
	raw, ok := cell.Attr("data-timestamp")
	if !ok {
		return nil
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return nil
	}
	ts := time.Unix(secs, 0).UTC()
	return &ts
}
