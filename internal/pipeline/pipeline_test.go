package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parcelworks/harvester/internal/collector"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func testSource() collector.DataSource {
	return collector.DataSource{
		ID:         "src-1",
		State:      "tx",
		County:     "Hidalgo",
		SourceType: "county-assessor",
	}
}

func rawRecord(fields map[string]string) Record {
	return Record{
		Source: testSource(),
		Raw:    collector.RawRecord{SourceID: "src-1", Fields: fields},
	}
}

func standardPipeline(sink Sink) *Pipeline {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(clock, sink, zap.NewNop(),
		Standardize(DefaultAliases(), clock),
		NormalizeAddress(),
		Geocode(nil),
		FuzzyDedupe(),
		Validate(),
	)
}

func TestRunStandardizesRows(t *testing.T) {
	t.Parallel()

	records := []Record{
		rawRecord(map[string]string{
			"Account Number":  "12-0001",
			"Owner Name":      "SMITH JOHN",
			"Appraised Value": "$125,000",
			"Situs Address":   "101 North Main Street",
			"Sale Date":       "03/15/2021",
		}),
	}

	out, failures := standardPipeline(nil).Run(context.Background(), records)
	require.Empty(t, failures)
	require.Len(t, out, 1)

	p := out[0].Property
	require.Equal(t, "12-0001", p.ParcelID)
	require.Equal(t, "SMITH JOHN", p.OwnerName)
	require.Equal(t, "101 NORTH MAIN ST", p.Address)
	require.Equal(t, "TX", p.State)
	require.NotNil(t, p.AssessedValue)
	require.InDelta(t, 125000, *p.AssessedValue, 0.01)
	require.NotNil(t, p.LastSaleDate)
	require.Equal(t, time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC), *p.LastSaleDate)
}

func TestRunMalformedCurrencyDefaultsToNil(t *testing.T) {
	t.Parallel()

	records := []Record{
		rawRecord(map[string]string{
			"Account Number":  "12-0002",
			"Appraised Value": "N/A",
		}),
	}

	out, failures := standardPipeline(nil).Run(context.Background(), records)
	require.Empty(t, failures)
	require.Len(t, out, 1)
	require.Nil(t, out[0].Property.AssessedValue)
}

func TestRunIsolatesFailingRecord(t *testing.T) {
	t.Parallel()

	records := []Record{
		rawRecord(map[string]string{"Account Number": "12-0001", "Owner Name": "A"}),
		rawRecord(map[string]string{"Owner Name": "NO PARCEL"}),
		rawRecord(map[string]string{"Account Number": "12-0003", "Owner Name": "C"}),
	}

	sink := NewMemorySink()
	out, failures := standardPipeline(sink).Run(context.Background(), records)

	require.Len(t, out, 2)
	require.Len(t, failures, 1)
	require.Equal(t, "standardize", failures[0].Step)
	require.Equal(t, collector.KindValidation, collector.KindOf(failures[0].Err))
	require.Len(t, sink.Failures(), 1)
}

func TestRunDeterministic(t *testing.T) {
	t.Parallel()

	fields := map[string]string{
		"Account Number": "12-0009",
		"Owner Name":     "DOE JANE",
		"Situs Address":  "4 Oak   Avenue",
		"Market Value":   "$98,500.50",
	}

	first, _ := standardPipeline(nil).Run(context.Background(), []Record{rawRecord(fields)})
	second, _ := standardPipeline(nil).Run(context.Background(), []Record{rawRecord(fields)})

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, first[0].Property, second[0].Property)
}

func TestFuzzyDedupeRejectsDuplicates(t *testing.T) {
	t.Parallel()

	records := []Record{
		rawRecord(map[string]string{"Account Number": "12-0001", "Owner Name": "A"}),
		rawRecord(map[string]string{"Account Number": "12-0001", "Owner Name": "A"}),
	}

	out, failures := standardPipeline(nil).Run(context.Background(), records)
	require.Len(t, out, 1)
	require.Len(t, failures, 1)
	require.Equal(t, "fuzzy-dedupe", failures[0].Step)
}

func TestValidateRejectsNegativeValues(t *testing.T) {
	t.Parallel()

	records := []Record{
		rawRecord(map[string]string{
			"Account Number": "12-0004",
			"Market Value":   "-500",
		}),
	}

	out, failures := standardPipeline(nil).Run(context.Background(), records)
	require.Empty(t, out)
	require.Len(t, failures, 1)
	require.Equal(t, "validate", failures[0].Step)
}

type failingGeocoder struct{}

func (failingGeocoder) Geocode(context.Context, string, string, string, string) (float64, float64, bool, error) {
	return 0, 0, false, errors.New("quota exceeded")
}

type fixedGeocoder struct {
	lat, lng float64
}

func (g fixedGeocoder) Geocode(context.Context, string, string, string, string) (float64, float64, bool, error) {
	return g.lat, g.lng, true, nil
}

func TestGeocodeStep(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	base := rawRecord(map[string]string{
		"Account Number": "12-0005",
		"Situs Address":  "1 Elm St",
	})

	t.Run("AttachesCoordinates", func(t *testing.T) {
		p := New(clock, nil, zap.NewNop(),
			Standardize(DefaultAliases(), clock),
			Geocode(fixedGeocoder{lat: 26.2, lng: -98.2}),
		)
		out, failures := p.Run(context.Background(), []Record{base})
		require.Empty(t, failures)
		require.NotNil(t, out[0].Property.Latitude)
		require.InDelta(t, 26.2, *out[0].Property.Latitude, 0.001)
	})

	t.Run("ErrorRejectsOnlyRecord", func(t *testing.T) {
		p := New(clock, nil, zap.NewNop(),
			Standardize(DefaultAliases(), clock),
			Geocode(failingGeocoder{}),
		)
		out, failures := p.Run(context.Background(), []Record{base})
		require.Empty(t, out)
		require.Len(t, failures, 1)
		require.Equal(t, "geocode", failures[0].Step)
	})
}

func TestAliasMapValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultAliases().Validate())

	missingKey := AliasMap{FieldOwnerName: {"Owner"}}
	require.Error(t, missingKey.Validate())

	unknown := AliasMap{
		FieldParcelID: {"Account"},
		"acreage":     {"Acres"},
	}
	require.Error(t, unknown.Validate())

	empty := AliasMap{
		FieldParcelID:  {"Account"},
		FieldOwnerName: {},
	}
	require.Error(t, empty.Validate())
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want *float64
	}{
		{"$125,000", ptr(125000.0)},
		{"98500.50", ptr(98500.50)},
		{"  $1,234.56 USD ", ptr(1234.56)},
		{"N/A", nil},
		{"", nil},
		{"--", nil},
	}
	for _, tc := range tests {
		got := ParseCurrency(tc.in)
		if tc.want == nil {
			require.Nil(t, got, "input %q", tc.in)
		} else {
			require.NotNil(t, got, "input %q", tc.in)
			require.InDelta(t, *tc.want, *got, 0.001)
		}
	}

	require.Nil(t, ParseYear("abc"))
	require.Nil(t, ParseYear("150"))
	require.Equal(t, 1987, *ParseYear("1987"))

	require.Nil(t, ParseDate("soon"))
	require.Equal(t, time.Date(2020, 7, 4, 0, 0, 0, 0, time.UTC), *ParseDate("2020-07-04"))
}

func ptr(f float64) *float64 {
	return &f
}
