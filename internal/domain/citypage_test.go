package domain

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStationCode = "s0000458"

var testFetchedAt = time.Date(2024, 1, 15, 18, 5, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestParseCitypage_Fixture(t *testing.T) {
	page, err := ParseCitypage(loadFixture(t, "citypage_s0000458_en.xml"), testStationCode, testFetchedAt)
	require.NoError(t, err)
	assert.Empty(t, page.Rejections)
	assert.Equal(t, testStationCode, page.StationCode)

	t.Run("observation", func(t *testing.T) {
		want := &Observation{
			StationCode:       testStationCode,
			ObservedAt:        time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC),
			FetchedAt:         testFetchedAt,
			TemperatureC:      ptr(-5.2),
			HumidityPct:       ptr(73.0),
			DewpointC:         ptr(-9.1),
			PressureKPa:       ptr(101.9),
			PressureTendency:  ptr("rising"),
			WindSpeedKMH:      ptr(13.0),
			WindDirectionDeg:  ptr(309),
			WindDirectionText: ptr("NW"),
			WindChill:         ptr(-12.0),
			VisibilityKM:      ptr(24.1),
			ConditionEN:       ptr("Light Snow"),
			IconCode:          ptr("16"),
		}
		if diff := cmp.Diff(want, page.Observation); diff != "" {
			t.Errorf("observation mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("warnings", func(t *testing.T) {
		require.Len(t, page.Warnings, 2)

		snow := page.Warnings[0]
		assert.Equal(t, "SNOWFALL WARNING IN EFFECT", snow.Headline)
		assert.Equal(t, EventWarning, snow.EventType)
		assert.Equal(t, "high", snow.Priority)
		assert.Nil(t, snow.Description, "description equal to headline is not repeated")
		require.NotNil(t, snow.Effective)
		assert.Equal(t, time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC), *snow.Effective)
		require.NotNil(t, snow.Expires)
		assert.Equal(t, time.Date(2024, 1, 16, 6, 0, 0, 0, time.UTC), *snow.Expires)
		require.NotNil(t, snow.URL)
		assert.Contains(t, *snow.URL, "report_e.html")
		assert.True(t, snow.Active)

		ended := page.Warnings[1]
		assert.Equal(t, EventEnded, ended.EventType)
		assert.Equal(t, "WIND WARNING ENDED", ended.Headline)
		assert.False(t, ended.Active)
	})

	t.Run("forecast", func(t *testing.T) {
		require.NotNil(t, page.Forecast)
		assert.Equal(t, time.Date(2024, 1, 15, 15, 30, 0, 0, time.UTC), page.Forecast.IssuedAt)
		assert.Equal(t, testFetchedAt, page.Forecast.FetchedAt)

		want := []ForecastPeriod{
			{
				PeriodName:         "Tonight",
				TextSummary:        "Clearing. Low minus 21.",
				AbbreviatedSummary: ptr("Clear"),
				IconCode:           ptr("31"),
				TemperatureC:       ptr(-21.0),
				TemperatureClass:   ptr("low"),
				PopPct:             ptr(40),
				WindSummary:        ptr("Wind northwest 20 km/h."),
				HumidityPct:        ptr(70.0),
			},
			{
				PeriodName:         "Tuesday",
				TextSummary:        "Sunny. High minus 12.",
				AbbreviatedSummary: ptr("Sunny"),
				IconCode:           ptr("00"),
				TemperatureC:       ptr(-12.0),
				TemperatureClass:   ptr("high"),
			},
		}
		if diff := cmp.Diff(want, page.Forecast.Periods); diff != "" {
			t.Errorf("periods mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestParseCitypage_SchemaMismatch(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not xml", "this is not xml"},
		{"wrong root", "<html><body>404</body></html>"},
		{"empty", ""},
		{"truncated", "<siteData><currentConditions>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCitypage([]byte(tt.content), testStationCode, testFetchedAt)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSchemaMismatch))
		})
	}
}

func TestParseCitypage_NoSections(t *testing.T) {
	page, err := ParseCitypage([]byte(`<siteData><location/></siteData>`), testStationCode, testFetchedAt)
	require.NoError(t, err)
	assert.Nil(t, page.Observation)
	assert.Nil(t, page.Forecast)
	assert.Empty(t, page.Warnings)
	assert.Empty(t, page.Rejections)
}

func TestParseCitypage_ObservationRejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		field  string
		reason string
	}{
		{
			name:   "missing timestamp",
			body:   `<currentConditions><temperature units="C">1</temperature></currentConditions>`,
			field:  "observed_at",
			reason: ReasonMissingField,
		},
		{
			name:   "unparseable timestamp",
			body:   `<currentConditions><dateTime name="observation" zone="UTC"><year>soon</year></dateTime></currentConditions>`,
			field:  "observed_at",
			reason: ReasonBadTimestamp,
		},
		{
			name:   "observation far in the future",
			body:   `<currentConditions><dateTime name="observation" zone="UTC"><timeStamp>20240115190000</timeStamp></dateTime></currentConditions>`,
			field:  "observed_at",
			reason: ReasonInvalidValue,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := ParseCitypage([]byte("<siteData>"+tt.body+"</siteData>"), testStationCode, testFetchedAt)
			require.NoError(t, err)
			assert.Nil(t, page.Observation)
			require.Len(t, page.Rejections, 1)
			assert.Equal(t, KindObservation, page.Rejections[0].Kind)
			assert.Equal(t, tt.field, page.Rejections[0].Field)
			assert.Equal(t, tt.reason, page.Rejections[0].Reason)
		})
	}
}

func TestParseCitypage_OutOfRangeOptionalValuesAreCleared(t *testing.T) {
	body := `<siteData>
		<currentConditions>
			<dateTime name="observation" zone="UTC"><timeStamp>20240115180000</timeStamp></dateTime>
			<temperature units="C">-12.3</temperature>
			<pressure units="kPa" tendency="rising">101.2</pressure>
			<relativeHumidity units="%">101</relativeHumidity>
			<wind><speed units="km/h">20</speed><bearing>400</bearing></wind>
		</currentConditions>
		<forecastGroup>
			<dateTime name="forecastIssue" zone="UTC"><timeStamp>20240115153000</timeStamp></dateTime>
			<forecast>
				<period textForecastName="Tonight"/>
				<textSummary>Clear.</textSummary>
				<abbreviatedForecast><pop units="%">140</pop></abbreviatedForecast>
			</forecast>
		</forecastGroup>
	</siteData>`

	page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
	require.NoError(t, err)
	assert.Empty(t, page.Rejections)

	obs := page.Observation
	require.NotNil(t, obs, "one bad measurement keeps the rest of the observation")
	assert.Nil(t, obs.HumidityPct)
	assert.Nil(t, obs.WindDirectionDeg)
	require.NotNil(t, obs.TemperatureC)
	assert.InDelta(t, -12.3, *obs.TemperatureC, 1e-9)
	require.NotNil(t, obs.PressureKPa)
	assert.InDelta(t, 101.2, *obs.PressureKPa, 1e-9)
	require.NotNil(t, obs.WindSpeedKMH)

	require.NotNil(t, page.Forecast)
	require.Len(t, page.Forecast.Periods, 1)
	assert.Nil(t, page.Forecast.Periods[0].PopPct)

	var fields []string
	for _, c := range page.Cleared {
		fields = append(fields, string(c.Kind)+":"+c.Field)
	}
	assert.ElementsMatch(t, []string{
		"observation:humidity_pct",
		"observation:wind_direction_deg",
		"forecast:periods[0].pop_pct",
	}, fields)
}

func TestParseCitypage_ObservationWithinSkew(t *testing.T) {
	body := `<siteData><currentConditions><dateTime name="observation" zone="UTC"><timeStamp>20240115180700</timeStamp></dateTime></currentConditions></siteData>`
	page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
	require.NoError(t, err)
	require.NotNil(t, page.Observation)
	assert.Equal(t, page.Observation.ObservedAt, page.Observation.FetchedAt)
}

func TestParseCitypage_BestEffortFields(t *testing.T) {
	body := `<siteData><currentConditions>
		<dateTime name="observation" zone="UTC"><timeStamp>20240115180000</timeStamp></dateTime>
		<temperature units="F">32</temperature>
		<dewpoint units="C">n/a</dewpoint>
		<pressure units="hPa">1013</pressure>
		<visibility units="furlongs">4</visibility>
		<wind><speed units="km/h">calm</speed><bearing>variable</bearing></wind>
	</currentConditions></siteData>`

	page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
	require.NoError(t, err)
	require.NotNil(t, page.Observation)

	obs := page.Observation
	require.NotNil(t, obs.TemperatureC)
	assert.InDelta(t, 0.0, *obs.TemperatureC, 0.001)
	assert.Nil(t, obs.DewpointC)
	require.NotNil(t, obs.PressureKPa)
	assert.InDelta(t, 101.3, *obs.PressureKPa, 0.001)
	assert.Nil(t, obs.VisibilityKM, "unknown unit drops the value")
	require.NotNil(t, obs.WindSpeedKMH)
	assert.Equal(t, 0.0, *obs.WindSpeedKMH)
	assert.Nil(t, obs.WindDirectionDeg)
}

func TestParseCitypage_WarningFallbacks(t *testing.T) {
	body := `<siteData><warnings>
		<event type="Statement" priority="low" description="">
			<textSummary>Special weather statement</textSummary>
		</event>
		<event type="advisory" priority="medium"></event>
		<event type="" priority="low" description="MYSTERY"></event>
	</warnings></siteData>`

	page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
	require.NoError(t, err)

	require.Len(t, page.Warnings, 2)
	assert.Equal(t, "Special weather statement", page.Warnings[0].Headline)
	assert.Equal(t, EventStatement, page.Warnings[0].EventType)
	assert.Nil(t, page.Warnings[0].Effective)
	assert.Nil(t, page.Warnings[0].URL)
	assert.Equal(t, "Advisory", page.Warnings[1].Headline)

	require.Len(t, page.Rejections, 1)
	assert.Equal(t, KindWarning, page.Rejections[0].Kind)
	assert.Equal(t, "event_type", page.Rejections[0].Field)
	assert.Equal(t, ReasonMissingField, page.Rejections[0].Reason)
	assert.Equal(t, []WarningKey{{StationCode: testStationCode, Headline: "MYSTERY"}}, page.RetainedWarnings)
}

func TestParseCitypage_ExpiredWarningInactive(t *testing.T) {
	body := `<siteData><warnings><event type="warning" priority="high" description="FREEZING RAIN WARNING">
		<dateTime name="eventEnd" zone="UTC"><timeStamp>20240115170000</timeStamp></dateTime>
	</event></warnings></siteData>`

	page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
	require.NoError(t, err)
	require.Len(t, page.Warnings, 1)
	assert.False(t, page.Warnings[0].Active)
}

func TestParseCitypage_ForecastRejections(t *testing.T) {
	t.Run("no valid periods", func(t *testing.T) {
		body := `<siteData><forecastGroup>
			<dateTime name="forecastIssue" zone="UTC"><timeStamp>20240115153000</timeStamp></dateTime>
			<forecast><period textForecastName="Tonight"/><textSummary></textSummary></forecast>
		</forecastGroup></siteData>`
		page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
		require.NoError(t, err)
		assert.Nil(t, page.Forecast)
		require.Len(t, page.Rejections, 1)
		assert.Equal(t, KindForecast, page.Rejections[0].Kind)
		assert.Equal(t, "periods", page.Rejections[0].Field)
		assert.Equal(t, ReasonMissingField, page.Rejections[0].Reason)
	})

	t.Run("missing issue time", func(t *testing.T) {
		body := `<siteData><forecastGroup>
			<forecast><period textForecastName="Tonight"/><textSummary>Clear.</textSummary></forecast>
		</forecastGroup></siteData>`
		page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
		require.NoError(t, err)
		assert.Nil(t, page.Forecast)
		require.Len(t, page.Rejections, 1)
		assert.Equal(t, "issued_at", page.Rejections[0].Field)
	})
}

func TestParseCitypage_PartialDocumentKeepsValidRecords(t *testing.T) {
	body := `<siteData>
		<currentConditions><dateTime name="observation" zone="UTC"><year>x</year></dateTime></currentConditions>
		<forecastGroup>
			<dateTime name="forecastIssue" zone="UTC"><timeStamp>20240115153000</timeStamp></dateTime>
			<forecast><period textForecastName="Tonight"/><textSummary>Clear.</textSummary></forecast>
		</forecastGroup>
	</siteData>`

	page, err := ParseCitypage([]byte(body), testStationCode, testFetchedAt)
	require.NoError(t, err)
	assert.Nil(t, page.Observation)
	require.NotNil(t, page.Forecast)
	require.Len(t, page.Rejections, 1)
	assert.True(t, strings.HasPrefix(page.Rejections[0].Error(), "observation s0000458 rejected"))
}
