package histogram_test

import (
	"testing"

	"github.com/srg/hrtrack/internal/histogram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartRateZones_BinIndex(t *testing.T) {
	c := histogram.HeartRateZones()
	require.Equal(t, 7, c.BinCount())

	tests := []struct {
		value int
		want  int
	}{
		{-10, histogram.ZoneStill},
		{0, histogram.ZoneStill},
		{59, histogram.ZoneStill},
		{60, histogram.ZoneResting},
		{90, histogram.ZoneResting},
		{91, histogram.ZoneRecovery},
		{109, histogram.ZoneRecovery},
		{110, histogram.ZoneEndurance},
		{127, histogram.ZoneEndurance},
		{128, histogram.ZoneAerobic},
		{146, histogram.ZoneAerobic},
		{147, histogram.ZoneAnaerobic},
		{164, histogram.ZoneAnaerobic},
		{165, histogram.ZonePeak},
		{255, histogram.ZonePeak},
		{10000, histogram.ZonePeak},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.BinIndex(tt.value), "value %d MUST map to bin %d", tt.value, tt.want)
	}
}

func TestHeartRateZones_Monotonic(t *testing.T) {
	c := histogram.HeartRateZones()
	prev := c.BinIndex(-1)
	for v := 0; v <= 300; v++ {
		idx := c.BinIndex(v)
		require.GreaterOrEqual(t, idx, prev, "bin index MUST not decrease at %d", v)
		require.True(t, idx >= 0 && idx < c.BinCount())
		prev = idx
	}
}

func TestHeartRateZones_Metadata(t *testing.T) {
	c := histogram.HeartRateZones()

	assert.Equal(t, "hraf", c.FilePrefix())
	assert.Equal(t, "Still", c.BinName(histogram.ZoneStill))
	assert.Equal(t, "Peak", c.BinName(histogram.ZonePeak))
	assert.Equal(t, "unknown", c.BinName(7))
	assert.Equal(t, histogram.Color{A: 255, R: 65, G: 211, B: 201}, c.BinColor(histogram.ZoneStill))
	assert.Equal(t, "#41d3c9", c.BinColor(histogram.ZoneStill).Hex())
	assert.Equal(t, histogram.Transparent, c.BinColor(-1))
}

func TestNewThresholdClassifier_Validation(t *testing.T) {
	_, err := histogram.NewThresholdClassifier("", histogram.Zone{Name: "a"})
	assert.Error(t, err)

	_, err = histogram.NewThresholdClassifier("x")
	assert.Error(t, err)

	_, err = histogram.NewThresholdClassifier("x",
		histogram.Zone{Name: "a", Below: 10},
		histogram.Zone{Name: "b", Below: 5},
		histogram.Zone{Name: "c"},
	)
	assert.Error(t, err)

	c, err := histogram.NewThresholdClassifier("x",
		histogram.Zone{Name: "low", Below: 10},
		histogram.Zone{Name: "high", Below: 3},
	)
	require.NoError(t, err, "last zone bound MUST be ignored")
	assert.Equal(t, 1, c.BinIndex(1000))
}

func TestTextCodec_Encode(t *testing.T) {
	codec := histogram.TextCodec{}

	data, err := codec.Encode(histogram.Record{
		PeriodKey: "2024-05-01",
		Bins: []histogram.BinCount{
			{Name: "Still", Frequency: 3},
			{Name: "Resting", Frequency: 0},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "1,2024-05-01,Still,3,Resting,0", string(data))

	_, err = codec.Encode(histogram.Record{})
	assert.ErrorIs(t, err, histogram.ErrMalformedRecord)

	_, err = codec.Encode(histogram.Record{PeriodKey: "k", Bins: []histogram.BinCount{{Name: "a,b"}}})
	assert.ErrorIs(t, err, histogram.ErrMalformedRecord)
}

func TestTextCodec_Decode(t *testing.T) {
	codec := histogram.TextCodec{}

	tests := []struct {
		name    string
		input   string
		want    histogram.Record
		wantErr error
	}{
		{
			name:  "current format",
			input: "1,2024-05-01,Still,3,Resting,7",
			want: histogram.Record{Version: 1, PeriodKey: "2024-05-01", Bins: []histogram.BinCount{
				{Name: "Still", Frequency: 3}, {Name: "Resting", Frequency: 7},
			}},
		},
		{
			name:  "trailing separator",
			input: "1,2024-05-01,Still,3,Resting,7,",
			want: histogram.Record{Version: 1, PeriodKey: "2024-05-01", Bins: []histogram.BinCount{
				{Name: "Still", Frequency: 3}, {Name: "Resting", Frequency: 7},
			}},
		},
		{
			name:  "no bins",
			input: "1,2024-05-01\n",
			want:  histogram.Record{Version: 1, PeriodKey: "2024-05-01", Bins: []histogram.BinCount{}},
		},
		{name: "unknown version", input: "2,2024-05-01,Still,3", wantErr: histogram.ErrUnknownVersion},
		{name: "unknown version with garbage", input: "9,???", wantErr: histogram.ErrUnknownVersion},
		{name: "empty", input: "", wantErr: histogram.ErrMalformedRecord},
		{name: "non numeric version", input: "v1,2024-05-01", wantErr: histogram.ErrMalformedRecord},
		{name: "missing key", input: "1", wantErr: histogram.ErrMalformedRecord},
		{name: "dangling name", input: "1,2024-05-01,Still", wantErr: histogram.ErrMalformedRecord},
		{name: "bad frequency", input: "1,2024-05-01,Still,x", wantErr: histogram.ErrMalformedRecord},
		{name: "negative frequency", input: "1,2024-05-01,Still,-1", wantErr: histogram.ErrMalformedRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Decode([]byte(tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
