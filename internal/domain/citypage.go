package domain

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// MaxClockSkew is how far an observation timestamp may run ahead of the local
// fetch time before it is rejected. Within the window fetched_at is raised to
// observed_at.
const MaxClockSkew = 5 * time.Minute

type siteData struct {
	XMLName           xml.Name              `xml:"siteData"`
	Warnings          *xmlWarnings          `xml:"warnings"`
	CurrentConditions *xmlCurrentConditions `xml:"currentConditions"`
	ForecastGroup     *xmlForecastGroup     `xml:"forecastGroup"`
}

// xmlMeasure is any element carrying a value plus unit attributes.
type xmlMeasure struct {
	Value    string `xml:",chardata"`
	Units    string `xml:"units,attr"`
	Tendency string `xml:"tendency,attr"`
	Class    string `xml:"class,attr"`
}

func (m *xmlMeasure) text() string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m.Value)
}

func (m *xmlMeasure) number() *float64 {
	if m == nil {
		return nil
	}
	return parseFloat(m.Value)
}

func (m *xmlMeasure) units() string {
	if m == nil {
		return ""
	}
	return m.Units
}

type xmlCurrentConditions struct {
	DateTimes        []xmlDateTime `xml:"dateTime"`
	Condition        string        `xml:"condition"`
	IconCode         string        `xml:"iconCode"`
	Temperature      *xmlMeasure   `xml:"temperature"`
	Dewpoint         *xmlMeasure   `xml:"dewpoint"`
	Humidex          *xmlMeasure   `xml:"humidex"`
	WindChill        *xmlMeasure   `xml:"windChill"`
	Pressure         *xmlMeasure   `xml:"pressure"`
	Visibility       *xmlMeasure   `xml:"visibility"`
	RelativeHumidity *xmlMeasure   `xml:"relativeHumidity"`
	Wind             *struct {
		Speed     *xmlMeasure `xml:"speed"`
		Gust      *xmlMeasure `xml:"gust"`
		Direction string      `xml:"direction"`
		Bearing   *xmlMeasure `xml:"bearing"`
	} `xml:"wind"`
}

type xmlWarnings struct {
	URL    string `xml:"url,attr"`
	Events []struct {
		Type        string        `xml:"type,attr"`
		Priority    string        `xml:"priority,attr"`
		Description string        `xml:"description,attr"`
		TextSummary string        `xml:"textSummary"`
		DateTimes   []xmlDateTime `xml:"dateTime"`
	} `xml:"event"`
}

type xmlForecastGroup struct {
	DateTimes []xmlDateTime `xml:"dateTime"`
	Forecasts []struct {
		Period struct {
			Name string `xml:"textForecastName,attr"`
			Text string `xml:",chardata"`
		} `xml:"period"`
		TextSummary         string `xml:"textSummary"`
		AbbreviatedForecast struct {
			IconCode    string      `xml:"iconCode"`
			Pop         *xmlMeasure `xml:"pop"`
			TextSummary string      `xml:"textSummary"`
		} `xml:"abbreviatedForecast"`
		Temperatures struct {
			Temperature []xmlMeasure `xml:"temperature"`
		} `xml:"temperatures"`
		Winds struct {
			TextSummary string `xml:"textSummary"`
		} `xml:"winds"`
		RelativeHumidity *xmlMeasure `xml:"relativeHumidity"`
	} `xml:"forecast"`
}

// ParseCitypage normalizes one station document. Only a document that cannot
// be decoded as a siteData tree returns an error; record-level problems are
// collected in Citypage.Rejections and the remaining records are kept.
func ParseCitypage(content []byte, stationCode string, fetchedAt time.Time) (Citypage, error) {
	var doc siteData
	if err := decodeXML(content, &doc); err != nil {
		return Citypage{}, fmt.Errorf("parse citypage %s: %w: %v", stationCode, ErrSchemaMismatch, err)
	}

	page := Citypage{StationCode: stationCode}
	fetchedAt = fetchedAt.UTC()

	if doc.CurrentConditions != nil {
		obs, cleared, rej := normalizeObservation(doc.CurrentConditions, stationCode, fetchedAt)
		page.Cleared = append(page.Cleared, cleared...)
		if rej != nil {
			page.Rejections = append(page.Rejections, rej)
		} else {
			page.Observation = obs
		}
	}

	if doc.Warnings != nil {
		warnings, retained, rejs := normalizeWarnings(doc.Warnings, stationCode, fetchedAt)
		page.Warnings = warnings
		page.RetainedWarnings = retained
		page.Rejections = append(page.Rejections, rejs...)
	}

	if doc.ForecastGroup != nil {
		fc, cleared, rej := normalizeForecast(doc.ForecastGroup, stationCode, fetchedAt)
		page.Cleared = append(page.Cleared, cleared...)
		if rej != nil {
			page.Rejections = append(page.Rejections, rej)
		} else {
			page.Forecast = fc
		}
	}

	return page, nil
}

// Optional measurements that fail their range checks are cleared; only
// problems with the observation time reject the record.
func normalizeObservation(cc *xmlCurrentConditions, code string, fetchedAt time.Time) (*Observation, []ClearedField, *Rejection) {
	dt, ok := pickDateTime(cc.DateTimes, "observation")
	if !ok {
		return nil, nil, reject(KindObservation, code, "observed_at", ReasonMissingField)
	}
	observedAt, ok := dt.Time()
	if !ok {
		return nil, nil, reject(KindObservation, code, "observed_at", ReasonBadTimestamp)
	}
	key := code + "|" + observedAt.Format(time.RFC3339)

	if observedAt.After(fetchedAt) {
		if observedAt.Sub(fetchedAt) > MaxClockSkew {
			return nil, nil, reject(KindObservation, key, "observed_at", ReasonInvalidValue)
		}
		fetchedAt = observedAt
	}

	obs := &Observation{
		StationCode:  code,
		ObservedAt:   observedAt,
		FetchedAt:    fetchedAt,
		TemperatureC: toCelsius(cc.Temperature.number(), cc.Temperature.units()),
		DewpointC:    toCelsius(cc.Dewpoint.number(), cc.Dewpoint.units()),
		HumidityPct:  cc.RelativeHumidity.number(),
		WindChill:    toCelsius(cc.WindChill.number(), cc.WindChill.units()),
		Humidex:      toCelsius(cc.Humidex.number(), cc.Humidex.units()),
		PressureKPa:  toKPa(cc.Pressure.number(), cc.Pressure.units()),
		VisibilityKM: toKM(cc.Visibility.number(), cc.Visibility.units()),
		ConditionEN:  optionalString(cc.Condition),
		IconCode:     optionalString(cc.IconCode),
	}
	if cc.Pressure != nil {
		obs.PressureTendency = optionalString(cc.Pressure.Tendency)
	}
	if w := cc.Wind; w != nil {
		obs.WindSpeedKMH = windSpeed(w.Speed)
		obs.WindGustKMH = windSpeed(w.Gust)
		obs.WindDirectionText = optionalString(w.Direction)
		obs.WindDirectionDeg = parseInt(w.Bearing.text())
	}

	cleared := clearInvalidOptional(KindObservation, key, obs)
	if rej := validateRecord(KindObservation, key, obs); rej != nil {
		return nil, cleared, rej
	}
	return obs, cleared, nil
}

// windSpeed converts a speed element to km/h; "calm" is reported as zero.
func windSpeed(m *xmlMeasure) *float64 {
	if strings.EqualFold(m.text(), "calm") {
		zero := 0.0
		return &zero
	}
	return toKMH(m.number(), m.units())
}

func normalizeWarnings(ws *xmlWarnings, code string, fetchedAt time.Time) ([]Warning, []WarningKey, []*Rejection) {
	var (
		out      []Warning
		retained []WarningKey
		rejs     []*Rejection
	)
	url := optionalString(ws.URL)

	for _, ev := range ws.Events {
		eventType := strings.ToLower(strings.TrimSpace(ev.Type))
		description := strings.TrimSpace(ev.Description)

		headline := strings.TrimSpace(ev.TextSummary)
		if headline == "" {
			headline = description
		}
		if headline == "" && eventType != "" {
			headline = strings.ToUpper(eventType[:1]) + eventType[1:]
		}

		w := Warning{
			StationCode: code,
			Headline:    headline,
			EventType:   eventType,
			Priority:    strings.ToLower(strings.TrimSpace(ev.Priority)),
			URL:         url,
			FetchedAt:   fetchedAt,
		}
		if description != "" && description != headline {
			w.Description = &description
		}

		for _, dt := range ev.DateTimes {
			name := strings.ToLower(dt.Name)
			t, ok := dt.Time()
			switch {
			case strings.Contains(name, "effective") || strings.Contains(name, "issue"):
				if ok && (w.Effective == nil || dt.Zone == "UTC") {
					w.Effective = &t
				}
			case strings.Contains(name, "expir") || strings.Contains(name, "end"):
				if ok && (w.Expires == nil || dt.Zone == "UTC") {
					w.Expires = &t
				}
			}
		}
		w.Active = w.ActiveAt(fetchedAt)

		if rej := validateRecord(KindWarning, w.Key().String(), w); rej != nil {
			rejs = append(rejs, rej)
			if w.Headline != "" {
				retained = append(retained, w.Key())
			}
			continue
		}
		out = append(out, w)
	}
	return out, retained, rejs
}

func normalizeForecast(fg *xmlForecastGroup, code string, fetchedAt time.Time) (*Forecast, []ClearedField, *Rejection) {
	dt, ok := pickDateTime(fg.DateTimes, "forecastIssue")
	if !ok {
		return nil, nil, reject(KindForecast, code, "issued_at", ReasonMissingField)
	}
	issuedAt, ok := dt.Time()
	if !ok {
		return nil, nil, reject(KindForecast, code, "issued_at", ReasonBadTimestamp)
	}

	fc := &Forecast{
		StationCode: code,
		IssuedAt:    issuedAt,
		FetchedAt:   fetchedAt,
	}
	for _, f := range fg.Forecasts {
		name := strings.TrimSpace(f.Period.Name)
		if name == "" {
			name = strings.TrimSpace(f.Period.Text)
		}
		summary := strings.TrimSpace(f.TextSummary)
		if name == "" || summary == "" {
			continue
		}

		p := ForecastPeriod{
			PeriodName:         name,
			TextSummary:        summary,
			AbbreviatedSummary: optionalString(f.AbbreviatedForecast.TextSummary),
			IconCode:           optionalString(f.AbbreviatedForecast.IconCode),
			PopPct:             parseInt(f.AbbreviatedForecast.Pop.text()),
			WindSummary:        optionalString(f.Winds.TextSummary),
			HumidityPct:        f.RelativeHumidity.number(),
		}
		for i := range f.Temperatures.Temperature {
			t := &f.Temperatures.Temperature[i]
			v := toCelsius(t.number(), t.units())
			if v == nil {
				continue
			}
			p.TemperatureC = v
			if class := strings.ToLower(strings.TrimSpace(t.Class)); class == "high" || class == "low" {
				p.TemperatureClass = &class
			}
			break
		}
		fc.Periods = append(fc.Periods, p)
	}

	key := code + "|" + issuedAt.Format(time.RFC3339)
	cleared := clearInvalidOptional(KindForecast, key, fc)
	if rej := validateRecord(KindForecast, key, fc); rej != nil {
		return nil, cleared, rej
	}
	return fc, cleared, nil
}

// decodeXML decodes a feed document, honouring non-UTF-8 encoding declarations
// such as ISO-8859-1.
func decodeXML(content []byte, v any) error {
	dec := xml.NewDecoder(bytes.NewReader(content))
	dec.CharsetReader = charset.NewReaderLabel
	return dec.Decode(v)
}
