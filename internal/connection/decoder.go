package connection

import (
	"time"

	"github.com/srg/hrtrack/internal/device"
	"github.com/srg/hrtrack/internal/heartrate"
)

// Decoder turns a raw attribute value into a sample.
type Decoder func(data []byte, at time.Time) (device.Sample, error)

// HeartRateDecoder decodes Heart Rate Measurement notifications.
func HeartRateDecoder(data []byte, at time.Time) (device.Sample, error) {
	m, err := heartrate.Decode(data)
	if err != nil {
		return device.Sample{}, err
	}
	return device.Sample{Value: m.BPM, RR: m.RR, At: at}, nil
}
