package histogram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RecordVersion is the only record format this package writes.
const RecordVersion = 1

const fieldSeparator = ","

var (
	// ErrUnknownVersion is returned for records whose version tag is not understood.
	ErrUnknownVersion = errors.New("unknown record version")
	// ErrMalformedRecord is returned for records that cannot be parsed.
	ErrMalformedRecord = errors.New("malformed record")
)

// BinCount is one persisted (name, frequency) pair.
type BinCount struct {
	Name      string
	Frequency int
}

// Record is the persisted form of one bucket.
type Record struct {
	Version   int
	PeriodKey string
	Bins      []BinCount
}

// Codec serializes bucket records.
type Codec interface {
	Encode(rec Record) ([]byte, error)
	Decode(data []byte) (Record, error)
}

// TextCodec implements the comma-delimited version 1 record format:
//
//	1,2024-05-01,Still,12,Resting,340,...
//
// Bin names are classifier controlled and never contain the separator.
type TextCodec struct{}

// Encode writes rec as a version 1 record.
func (TextCodec) Encode(rec Record) ([]byte, error) {
	if rec.PeriodKey == "" {
		return nil, fmt.Errorf("%w: empty period key", ErrMalformedRecord)
	}

	var sb strings.Builder
	sb.WriteString(strconv.Itoa(RecordVersion))
	sb.WriteString(fieldSeparator)
	sb.WriteString(rec.PeriodKey)
	for _, bin := range rec.Bins {
		if strings.Contains(bin.Name, fieldSeparator) {
			return nil, fmt.Errorf("%w: bin name %q contains %q", ErrMalformedRecord, bin.Name, fieldSeparator)
		}
		sb.WriteString(fieldSeparator)
		sb.WriteString(bin.Name)
		sb.WriteString(fieldSeparator)
		sb.WriteString(strconv.Itoa(bin.Frequency))
	}
	return []byte(sb.String()), nil
}

// Decode parses a record. The version tag is checked before anything else.
func (TextCodec) Decode(data []byte) (Record, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Record{}, fmt.Errorf("%w: empty input", ErrMalformedRecord)
	}

	fields := strings.Split(text, fieldSeparator)
	// older writers terminated every pair with a separator
	if fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}

	version, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Record{}, fmt.Errorf("%w: version %q", ErrMalformedRecord, fields[0])
	}
	if version != RecordVersion {
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}

	if len(fields) < 2 || fields[1] == "" {
		return Record{}, fmt.Errorf("%w: missing period key", ErrMalformedRecord)
	}
	pairs := fields[2:]
	if len(pairs)%2 != 0 {
		return Record{}, fmt.Errorf("%w: dangling bin name %q", ErrMalformedRecord, pairs[len(pairs)-1])
	}

	rec := Record{
		Version:   version,
		PeriodKey: fields[1],
		Bins:      make([]BinCount, 0, len(pairs)/2),
	}
	for i := 0; i < len(pairs); i += 2 {
		freq, err := strconv.Atoi(pairs[i+1])
		if err != nil || freq < 0 {
			return Record{}, fmt.Errorf("%w: frequency %q for bin %q", ErrMalformedRecord, pairs[i+1], pairs[i])
		}
		rec.Bins = append(rec.Bins, BinCount{Name: pairs[i], Frequency: freq})
	}
	return rec, nil
}
