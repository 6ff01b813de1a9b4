package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// xmlDateTime is the <dateTime> element used throughout citypage documents.
//
//	<dateTime name="observation" zone="UTC" UTCOffset="0">
//	  <year>2024</year><month name="January">01</month><day>15</day>
//	  <hour>18</hour><minute>00</minute><timeStamp>20240115180000</timeStamp>
//	</dateTime>
type xmlDateTime struct {
	Name      string `xml:"name,attr"`
	Zone      string `xml:"zone,attr"`
	UTCOffset string `xml:"UTCOffset,attr"`
	Timestamp string `xml:"timestamp,attr"`
	Year      string `xml:"year"`
	Month     string `xml:"month"`
	Day       string `xml:"day"`
	Hour      string `xml:"hour"`
	Minute    string `xml:"minute"`
	TimeStamp string `xml:"timeStamp"`
}

const timeStampLayout = "20060102150405"

// Time resolves the element to a UTC instant. Local-zone variants are shifted
// by their UTCOffset. It reports false when nothing usable is present.
func (d xmlDateTime) Time() (time.Time, bool) {
	offset := d.offset()

	if t, ok := d.fromParts(); ok {
		return t.Add(-offset).UTC(), true
	}
	if ts := strings.TrimSpace(d.TimeStamp); ts != "" {
		if t, err := time.Parse(timeStampLayout, ts); err == nil {
			return t.Add(-offset).UTC(), true
		}
	}
	if ts := strings.TrimSpace(d.Timestamp); ts != "" {
		// dateparse keeps an explicit zone; naive strings are read as UTC.
		if t, err := dateparse.ParseIn(ts, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (d xmlDateTime) fromParts() (time.Time, bool) {
	parts := make([]int, 0, 5)
	for _, s := range []string{d.Year, d.Month, d.Day, d.Hour, d.Minute} {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return time.Time{}, false
		}
		parts = append(parts, n)
	}
	year, month, day, hour, minute := parts[0], parts[1], parts[2], parts[3], parts[4]
	if month < 1 || month > 12 || day < 1 || day > 31 || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	// time.Date normalizes overflow such as February 31; treat that as invalid.
	if t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

func (d xmlDateTime) offset() time.Duration {
	if strings.EqualFold(d.Zone, "UTC") {
		return 0
	}
	hours, err := strconv.ParseFloat(strings.TrimSpace(d.UTCOffset), 64)
	if err != nil {
		return 0
	}
	return time.Duration(hours * float64(time.Hour))
}

// pickDateTime returns the element named name, preferring the UTC variant.
func pickDateTime(list []xmlDateTime, name string) (xmlDateTime, bool) {
	var fallback *xmlDateTime
	for i := range list {
		if !strings.EqualFold(list[i].Name, name) {
			continue
		}
		if strings.EqualFold(list[i].Zone, "UTC") {
			return list[i], true
		}
		if fallback == nil {
			fallback = &list[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return xmlDateTime{}, false
}
