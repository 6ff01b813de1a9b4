package domain

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// coordinateRe matches hemisphere-suffixed coordinates such as "49.85N" or "99.95W".
var coordinateRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([NSEWnsew])$`)

// parseFloat parses a trimmed decimal, returning nil for empty or malformed input.
func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// parseInt accepts integral or decimal text ("270", "270.0") and truncates.
func parseInt(s string) *int {
	f := parseFloat(s)
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

// parseCoordinate decodes "49.85N"/"99.95W" (south and west negative) or a plain decimal.
func parseCoordinate(s string) *float64 {
	s = strings.TrimSpace(s)
	if m := coordinateRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil
		}
		switch strings.ToUpper(m[2]) {
		case "S", "W":
			v = -v
		}
		return &v
	}
	return parseFloat(s)
}

// Canonical units: Celsius, km/h, kPa, km. Every converter returns nil for a
// unit it does not recognise so the field is stored as absent.

func toCelsius(v *float64, unit string) *float64 {
	if v == nil {
		return nil
	}
	switch normalizeUnit(unit) {
	case "", "c", "°c", "celsius":
		return v
	case "f", "°f", "fahrenheit":
		return round((*v - 32) * 5 / 9)
	case "k", "kelvin":
		return round(*v - 273.15)
	default:
		return nil
	}
}

func toKMH(v *float64, unit string) *float64 {
	if v == nil {
		return nil
	}
	switch normalizeUnit(unit) {
	case "", "km/h", "kmh", "kph":
		return v
	case "mph", "mi/h":
		return round(*v * 1.609344)
	case "knots", "knot", "kt", "kts":
		return round(*v * 1.852)
	case "m/s", "ms":
		return round(*v * 3.6)
	default:
		return nil
	}
}

func toKPa(v *float64, unit string) *float64 {
	if v == nil {
		return nil
	}
	switch normalizeUnit(unit) {
	case "", "kpa":
		return v
	case "hpa", "mb", "mbar":
		return round(*v / 10)
	case "inhg", "in":
		return round(*v * 3.386389)
	case "pa":
		return round(*v / 1000)
	default:
		return nil
	}
}

func toKM(v *float64, unit string) *float64 {
	if v == nil {
		return nil
	}
	switch normalizeUnit(unit) {
	case "", "km":
		return v
	case "m":
		return round(*v / 1000)
	case "mi", "miles", "sm":
		return round(*v * 1.609344)
	default:
		return nil
	}
}

func normalizeUnit(unit string) string {
	return strings.ToLower(strings.TrimSpace(unit))
}

// round keeps converted values to three decimals so repeated conversions of the
// same upstream value store identical numbers.
func round(v float64) *float64 {
	r := math.Round(v*1000) / 1000
	return &r
}
