// Package heartrate decodes Heart Rate Measurement (0x2a37) notifications.
package heartrate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// MeasurementUUID is the 16-bit id of the Heart Rate Measurement characteristic.
const MeasurementUUID = "2a37"

// ServiceUUID is the 16-bit id of the Heart Rate service.
const ServiceUUID = "180d"

var (
	ErrShortPayload = errors.New("heart rate payload too short")
	ErrNoContact    = errors.New("no sensor contact")
)

// flags byte layout
//
//	| 0x10 | 0x08 | 0x04 0x02 | 0x01 |
//	|  rr  | nrg  | scs  cnt  | fmt  |
const (
	flagUint16           = 0x01
	flagContactMask      = 0x06
	flagContactSupported = 0x04
	flagEnergy           = 0x08
	flagRR               = 0x10
)

// Measurement is one decoded notification.
type Measurement struct {
	BPM              int
	RR               []time.Duration
	Energy           int // kJ, -1 when absent
	ContactSupported bool
	Contact          bool
}

// Decode parses a raw measurement payload.
func Decode(data []byte) (Measurement, error) {
	if len(data) < 2 {
		return Measurement{}, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(data))
	}

	flags := data[0]
	m := Measurement{
		Energy:           -1,
		ContactSupported: flags&flagContactSupported != 0,
		Contact:          flags&flagContactMask == flagContactMask,
	}
	if m.ContactSupported && !m.Contact {
		return m, ErrNoContact
	}

	offset := 1
	if flags&flagUint16 != 0 {
		if len(data) < offset+2 {
			return Measurement{}, fmt.Errorf("%w: uint16 value needs 3 bytes, got %d", ErrShortPayload, len(data))
		}
		m.BPM = int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	} else {
		m.BPM = int(data[offset])
		offset++
	}

	if flags&flagEnergy != 0 {
		if len(data) < offset+2 {
			return Measurement{}, fmt.Errorf("%w: energy field truncated", ErrShortPayload)
		}
		m.Energy = int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
	}

	if flags&flagRR != 0 {
		rr := data[offset:]
		m.RR = make([]time.Duration, 0, len(rr)/2)
		// a trailing odd byte is ignored
		for i := 0; i+1 < len(rr); i += 2 {
			m.RR = append(m.RR, time.Duration(binary.LittleEndian.Uint16(rr[i:]))*time.Second/1024)
		}
	}
	return m, nil
}
