package histogram

import (
	"fmt"
	"math"
)

// Color is an ARGB display colour attached to a bin.
type Color struct {
	A, R, G, B uint8
}

// Transparent is returned for indexes outside the classifier range.
var Transparent = Color{}

// Hex formats the colour as #RRGGBB.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Classifier maps raw sample values onto a fixed set of bins.
//
// BinIndex must be total: every value maps to exactly one index in [0, BinCount()).
type Classifier interface {
	BinCount() int
	BinIndex(value int) int
	BinName(index int) string
	BinColor(index int) Color
	// FilePrefix is the stable identity embedded in persisted record names.
	FilePrefix() string
}

// Zone is one threshold band of a ThresholdClassifier.
// Values strictly below Below fall into the zone (unless an earlier zone took them).
type Zone struct {
	Name  string
	Color Color
	Below int
}

// ThresholdClassifier classifies values by ascending upper bounds.
// The last zone is open-ended regardless of its Below value.
type ThresholdClassifier struct {
	prefix string
	zones  []Zone
}

// NewThresholdClassifier builds a classifier from zones ordered by ascending Below.
func NewThresholdClassifier(prefix string, zones ...Zone) (*ThresholdClassifier, error) {
	if prefix == "" {
		return nil, fmt.Errorf("file prefix is empty")
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("classifier %q has no zones", prefix)
	}
	for i := 1; i < len(zones)-1; i++ {
		if zones[i].Below <= zones[i-1].Below {
			return nil, fmt.Errorf("classifier %q: zone %q bound %d is not above %d",
				prefix, zones[i].Name, zones[i].Below, zones[i-1].Below)
		}
	}

	c := &ThresholdClassifier{
		prefix: prefix,
		zones:  make([]Zone, len(zones)),
	}
	copy(c.zones, zones)
	c.zones[len(c.zones)-1].Below = math.MaxInt
	return c, nil
}

func (c *ThresholdClassifier) BinCount() int {
	return len(c.zones)
}

func (c *ThresholdClassifier) BinIndex(value int) int {
	for i, z := range c.zones {
		if value < z.Below {
			return i
		}
	}
	return len(c.zones) - 1
}

func (c *ThresholdClassifier) BinName(index int) string {
	if index < 0 || index >= len(c.zones) {
		return "unknown"
	}
	return c.zones[index].Name
}

func (c *ThresholdClassifier) BinColor(index int) Color {
	if index < 0 || index >= len(c.zones) {
		return Transparent
	}
	return c.zones[index].Color
}

func (c *ThresholdClassifier) FilePrefix() string {
	return c.prefix
}

// HeartRatePrefix names persisted heart-rate records.
const HeartRatePrefix = "hraf"

// Heart-rate zone indexes.
const (
	ZoneStill = iota
	ZoneResting
	ZoneRecovery
	ZoneEndurance
	ZoneAerobic
	ZoneAnaerobic
	ZonePeak
)

var heartRateZones = []Zone{
	{Name: "Still", Color: Color{A: 255, R: 65, G: 211, B: 201}, Below: 60},
	{Name: "Resting", Color: Color{A: 255, R: 153, G: 204, B: 153}, Below: 91},
	{Name: "Recovery", Color: Color{A: 255, R: 249, G: 199, B: 78}, Below: 110},
	{Name: "Endurance", Color: Color{A: 255, R: 251, G: 101, B: 77}, Below: 128},
	{Name: "Aerobic", Color: Color{A: 255, R: 73, G: 150, B: 42}, Below: 147},
	{Name: "Anaerobic", Color: Color{A: 255, R: 54, G: 111, B: 175}, Below: 165},
	{Name: "Peak", Color: Color{A: 255, R: 134, G: 69, B: 77}},
}

// HeartRateZones returns the seven physiological heart-rate zones.
func HeartRateZones() *ThresholdClassifier {
	c, err := NewThresholdClassifier(HeartRatePrefix, heartRateZones...)
	if err != nil {
		// static table
		panic(err)
	}
	return c
}
