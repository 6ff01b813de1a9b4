package domain

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

type siteListCollection struct {
	Type     string            `json:"type"`
	Features []siteListFeature `json:"features"`
}

type siteListFeature struct {
	Properties map[string]any `json:"properties"`
	Geometry   *struct {
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	} `json:"geometry"`
}

type legacySiteList struct {
	XMLName xml.Name         `xml:"siteList"`
	Sites   []legacySiteItem `xml:"site"`
}

type legacySiteItem struct {
	Code         string `xml:"code,attr"`
	NameEN       string `xml:"nameEn"`
	NameFR       string `xml:"nameFr"`
	ProvinceCode string `xml:"provinceCode"`
}

// ParseSiteList decodes the station directory. The GeoJSON document is tried
// first; content that is not JSON is read as the legacy siteList.xml format.
// Rows are returned as-is and validated later by NormalizeStation.
func ParseSiteList(content []byte) ([]StationListEntry, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("parse site list: empty document: %w", ErrSchemaMismatch)
	}
	if trimmed[0] == '{' {
		return parseSiteListGeoJSON(trimmed)
	}
	return parseSiteListXML(trimmed)
}

func parseSiteListGeoJSON(content []byte) ([]StationListEntry, error) {
	var fc siteListCollection
	if err := json.Unmarshal(content, &fc); err != nil {
		return nil, fmt.Errorf("parse site list geojson: %w: %v", ErrSchemaMismatch, err)
	}
	if fc.Features == nil {
		return nil, fmt.Errorf("parse site list geojson: no features array: %w", ErrSchemaMismatch)
	}

	entries := make([]StationListEntry, 0, len(fc.Features))
	for _, f := range fc.Features {
		p := f.Properties
		entry := StationListEntry{
			StationCode: propString(p, "Codes"),
			NameEN:      propString(p, "English Names"),
			NameFR:      propString(p, "French Names"),
			Province:    propString(p, "Province Codes"),
			Lat:         propCoordinate(p, "Latitude"),
			Lon:         propCoordinate(p, "Longitude"),
			RegionEN:    propString(p, "English Region"),
			RegionFR:    propString(p, "French Region"),
		}
		// GeoJSON positions are [lon, lat].
		if f.Geometry != nil && len(f.Geometry.Coordinates) >= 2 {
			if entry.Lon == nil {
				lon := f.Geometry.Coordinates[0]
				entry.Lon = &lon
			}
			if entry.Lat == nil {
				lat := f.Geometry.Coordinates[1]
				entry.Lat = &lat
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseSiteListXML(content []byte) ([]StationListEntry, error) {
	var list legacySiteList
	if err := decodeXML(content, &list); err != nil {
		return nil, fmt.Errorf("parse site list xml: %w: %v", ErrSchemaMismatch, err)
	}
	entries := make([]StationListEntry, 0, len(list.Sites))
	for _, s := range list.Sites {
		entries = append(entries, StationListEntry{
			StationCode: strings.TrimSpace(s.Code),
			NameEN:      strings.TrimSpace(s.NameEN),
			NameFR:      strings.TrimSpace(s.NameFR),
			Province:    strings.TrimSpace(s.ProvinceCode),
			Legacy:      true,
		})
	}
	return entries, nil
}

func propString(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%g", v)
	default:
		return ""
	}
}

func propCoordinate(p map[string]any, key string) *float64 {
	switch v := p[key].(type) {
	case float64:
		return &v
	case string:
		return parseCoordinate(v)
	default:
		return nil
	}
}

// NormalizeStation validates a directory row and builds the Station to store.
// The station is marked active and stamped with now.
func NormalizeStation(entry StationListEntry, now time.Time) (Station, *Rejection) {
	code := strings.TrimSpace(entry.StationCode)
	if code == "" {
		return Station{}, reject(KindStation, "", "station_code", ReasonMissingField)
	}
	if entry.Lat == nil || entry.Lon == nil {
		if !entry.Legacy {
			return Station{}, reject(KindStation, code, "coordinates", ReasonMissingField)
		}
		var zero float64
		entry.Lat, entry.Lon = &zero, &zero
	}

	st := Station{
		StationCode: code,
		NameEN:      strings.TrimSpace(entry.NameEN),
		NameFR:      optionalString(entry.NameFR),
		Province:    strings.ToUpper(strings.TrimSpace(entry.Province)),
		Coordinates: Coordinates{Lat: *entry.Lat, Lon: *entry.Lon},
		RegionEN:    optionalString(entry.RegionEN),
		RegionFR:    optionalString(entry.RegionFR),
		Active:      true,
		UpdatedAt:   now.UTC(),
	}
	if rej := validateRecord(KindStation, code, st); rej != nil {
		return Station{}, rej
	}
	return st, nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
