package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/couchcryptid/citypage-fetcher/internal/domain"
)

var (
	hourDirRe  = regexp.MustCompile(`^(\d{2})/$`)
	dataFileRe = regexp.MustCompile(`^(.+)_MSC_CitypageWeather_(s\d+)_en\.xml$`)
)

// Filename timestamp layouts, e.g. 20240115T180134.255Z.
var fileTimeLayouts = []string{
	"20060102T150405.000Z",
	"20060102T150405Z",
	"20060102T1504Z",
}

// ProvinceURL returns the listing URL of a province directory.
func (c *Client) ProvinceURL(province string) string {
	return c.opts.BaseURL + "/" + province + "/"
}

// LatestFiles lists a province directory and returns the newest English
// citypage document per station. Hour subdirectories are tried newest first
// relative to the current UTC hour; an empty hour falls back to the one before
// it. A province with no documents yields an empty map.
func (c *Client) LatestFiles(ctx context.Context, province string) (map[string]domain.DataFile, error) {
	provURL := c.ProvinceURL(province)
	body, err := c.Fetch(ctx, provURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(provURL)
	if err != nil {
		return nil, fmt.Errorf("parse province url: %w", err)
	}
	hrefs, err := parseHrefs(body)
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", provURL, err)
	}

	hours := orderHours(hrefs, domain.Now().Hour())
	if len(hours) == 0 {
		// Older layout: documents directly under the province.
		return latestByStation(hrefs, base), nil
	}

	// Newest hour plus one fallback.
	for _, h := range hours[:min(2, len(hours))] {
		hourURL := base.ResolveReference(&url.URL{Path: h})
		listing, err := c.Fetch(ctx, hourURL.String())
		if err != nil {
			return nil, err
		}
		hourHrefs, err := parseHrefs(listing)
		if err != nil {
			return nil, fmt.Errorf("parse listing %s: %w", hourURL, err)
		}
		if files := latestByStation(hourHrefs, hourURL); len(files) > 0 {
			return files, nil
		}
		c.logger.Debug("hour directory empty, falling back", "province", province, "hour", strings.TrimSuffix(h, "/"))
	}
	return map[string]domain.DataFile{}, nil
}

func parseHrefs(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			hrefs = append(hrefs, strings.TrimSpace(href))
		}
	})
	return hrefs, nil
}

// orderHours returns the "HH/" hrefs sorted by recency, counting back from
// the current hour so that 23/ from the previous day sorts after 00/.
func orderHours(hrefs []string, current int) []string {
	var hours []string
	for _, h := range hrefs {
		if m := hourDirRe.FindStringSubmatch(h); m != nil {
			if n, _ := strconv.Atoi(m[1]); n < 24 {
				hours = append(hours, h)
			}
		}
	}
	age := func(h string) int {
		n, _ := strconv.Atoi(h[:2])
		return (current - n + 24) % 24
	}
	sort.SliceStable(hours, func(i, j int) bool { return age(hours[i]) < age(hours[j]) })
	return hours
}

// latestByStation keeps the lexicographically greatest filename per station.
// The timestamp prefix sorts chronologically.
func latestByStation(hrefs []string, dir *url.URL) map[string]domain.DataFile {
	files := make(map[string]domain.DataFile)
	for _, href := range hrefs {
		name := path.Base(href)
		m := dataFileRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		code := m[2]
		if prev, ok := files[code]; ok && prev.Name >= name {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		files[code] = domain.DataFile{
			StationCode: code,
			Name:        name,
			URL:         dir.ResolveReference(ref).String(),
			Timestamp:   parseFileTime(m[1]),
		}
	}
	return files
}

func parseFileTime(prefix string) time.Time {
	for _, layout := range fileTimeLayouts {
		if t, err := time.Parse(layout, prefix); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
