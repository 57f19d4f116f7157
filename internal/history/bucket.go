package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/hrtrack/internal/histogram"
)

// RecentCapacity bounds the per-bucket window of raw samples.
const RecentCapacity = 500

// ring storage is rounded up to a power of two; eviction is tracked against RecentCapacity.
const ringSize = 1024

// Bin is a snapshot of one histogram category.
type Bin struct {
	Name      string
	Color     histogram.Color
	Frequency int
}

// Bucket aggregates one period worth of samples.
type Bucket struct {
	key        string
	start      time.Time
	classifier histogram.Classifier
	logger     *logrus.Logger

	mu          sync.Mutex
	frequencies []int
	recent      mpmc.RichOverlappedRingBuffer[int]
	recentLen   int
	dirty       bool
}

// NewBucket creates an empty bucket for the period starting at start.
func NewBucket(key string, start time.Time, classifier histogram.Classifier, logger *logrus.Logger) *Bucket {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bucket{
		key:         key,
		start:       start,
		classifier:  classifier,
		logger:      logger,
		frequencies: make([]int, classifier.BinCount()),
		recent:      mpmc.NewOverlappedRingBuffer[int](ringSize),
	}
}

func (b *Bucket) Key() string {
	return b.key
}

func (b *Bucket) Start() time.Time {
	return b.start
}

// RecordSample adds weight to the bin of value and remembers value as recent.
func (b *Bucket) RecordSample(value, weight int) {
	if weight < 0 {
		b.logger.WithFields(logrus.Fields{
			"period": b.key,
			"value":  value,
			"weight": weight,
		}).Warn("Ignoring sample with negative weight")
		return
	}
	idx := b.classifier.BinIndex(value)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.recentLen >= RecentCapacity {
		if _, err := b.recent.Dequeue(); err == nil {
			b.recentLen--
		}
	}
	if _, err := b.recent.EnqueueM(value); err != nil {
		b.logger.WithError(err).WithField("period", b.key).Warn("Failed to remember recent sample")
	} else {
		b.recentLen++
	}

	if idx >= 0 && idx < len(b.frequencies) {
		b.frequencies[idx] += weight
	}
	b.dirty = true
}

// MergeFrom adds other's frequencies over the shorter of the two bin arrays.
func (b *Bucket) MergeFrom(other *Bucket) {
	if other == nil || other == b {
		return
	}
	src := other.Frequencies()

	b.mu.Lock()
	defer b.mu.Unlock()
	n := min(len(b.frequencies), len(src))
	for i := 0; i < n; i++ {
		b.frequencies[i] += src[i]
	}
	b.dirty = true
}

// Clear zeroes the frequencies. Recent values are kept.
func (b *Bucket) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frequencies {
		b.frequencies[i] = 0
	}
	b.dirty = true
}

// Frequencies returns a copy of the per-bin counts.
func (b *Bucket) Frequencies() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.frequencies))
	copy(out, b.frequencies)
	return out
}

// Bins returns named, coloured snapshots of every bin.
func (b *Bucket) Bins() []Bin {
	freqs := b.Frequencies()
	bins := make([]Bin, len(freqs))
	for i, f := range freqs {
		bins[i] = Bin{
			Name:      b.classifier.BinName(i),
			Color:     b.classifier.BinColor(i),
			Frequency: f,
		}
	}
	return bins
}

// Total is the sum of all bin frequencies.
func (b *Bucket) Total() int {
	total := 0
	for _, f := range b.Frequencies() {
		total += f
	}
	return total
}

// RecentValues returns the remembered samples, oldest first.
func (b *Bucket) RecentValues() []int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]int, 0, b.recentLen)
	for !b.recent.IsEmpty() {
		v, err := b.recent.Dequeue()
		if err != nil {
			break
		}
		out = append(out, v)
	}
	// put everything back in the same order
	for _, v := range out {
		_, _ = b.recent.EnqueueM(v)
	}
	b.recentLen = len(out)
	return out
}

func (b *Bucket) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

func (b *Bucket) markDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

// takeRecord snapshots the bucket for writing and clears the dirty flag.
// ok is false when there is nothing to write.
func (b *Bucket) takeRecord() (rec histogram.Record, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return histogram.Record{}, false
	}
	b.dirty = false
	return b.recordLocked(), true
}

// ToRecord converts the bucket into its persisted form.
func (b *Bucket) ToRecord() histogram.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordLocked()
}

func (b *Bucket) recordLocked() histogram.Record {
	rec := histogram.Record{
		Version:   histogram.RecordVersion,
		PeriodKey: b.key,
		Bins:      make([]histogram.BinCount, len(b.frequencies)),
	}
	for i, f := range b.frequencies {
		rec.Bins[i] = histogram.BinCount{Name: b.classifier.BinName(i), Frequency: f}
	}
	return rec
}

// bucketFromRecord rebuilds a clean bucket from a decoded record.
// Bins are matched by name; unknown names are dropped and missing ones stay zero.
func bucketFromRecord(rec histogram.Record, period Period, loc *time.Location, classifier histogram.Classifier, logger *logrus.Logger) (*Bucket, error) {
	start, err := period.ParseKey(rec.PeriodKey, loc)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]int, classifier.BinCount())
	for i := 0; i < classifier.BinCount(); i++ {
		byName[classifier.BinName(i)] = i
	}

	b := NewBucket(rec.PeriodKey, start, classifier, logger)
	for _, bin := range rec.Bins {
		idx, ok := byName[bin.Name]
		if !ok {
			logger.WithFields(logrus.Fields{
				"period": rec.PeriodKey,
				"bin":    bin.Name,
			}).Debug("Dropping unknown bin from record")
			continue
		}
		b.frequencies[idx] += bin.Frequency
	}
	return b, nil
}

func (b *Bucket) String() string {
	return fmt.Sprintf("Bucket(%s total=%d)", b.key, b.Total())
}
