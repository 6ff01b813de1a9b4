// Package domain models Environment Canada citypage weather data and turns raw
// feed documents into validated records.
//
// # Data Source
//
// The MSC Datamart publishes one XML document per station ("citypage") under
// https://dd.weather.gc.ca/today/citypage_weather/{PROV}/{HH}/, with filenames of the form
//
//	20240115T180134.255Z_MSC_CitypageWeather_s0000458_en.xml
//
// The station directory is a GeoJSON feature collection (site_list_en.geojson)
// whose properties carry "Codes", "English Names", "French Names",
// "Province Codes", "Latitude" and "Longitude". Older deployments serve
// siteList.xml instead; [ParseSiteList] accepts both.
//
// # Citypage Conventions
//
// Timestamps appear as <dateTime> elements, usually twice: once with zone="UTC"
// and once in local time with a UTCOffset attribute. The UTC variant wins.
// Components come as year/month/day/hour/minute children, with a compact
// timeStamp child (20060102150405) as fallback.
//
// Coordinates on the location element carry a hemisphere suffix ("49.85N",
// "99.95W"); south and west are negative.
//
// Measurements carry a units attribute. Values are stored in Celsius, km/h,
// kPa and km; an unrecognised unit drops the value rather than storing it
// mislabelled. Wind speed "calm" is stored as 0.
//
// # Rejections
//
// A record that fails required-field or range validation is returned as a
// [Rejection] naming the field and a reason code. Rejections are an expected
// outcome of normalization and never abort the rest of a document.
package domain
