package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/hrtrack/internal/groutine"
	"github.com/srg/hrtrack/internal/histogram"
)

const (
	DefaultRetention    = 30
	DefaultSaveInterval = 5 * time.Minute
)

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	Period       Period
	Retention    int
	SaveInterval time.Duration
	Codec        histogram.Codec
	// Clock returns "now"; tests inject a fixed clock.
	Clock func() time.Time
}

// Store owns the calendar-ordered buckets of one classifier.
type Store struct {
	classifier histogram.Classifier
	storage    RecordStorage
	logger     *logrus.Logger

	period       Period
	retention    int
	saveInterval time.Duration
	codec        histogram.Codec
	now          func() time.Time

	mu        sync.Mutex
	buckets   *orderedmap.OrderedMap[string, *Bucket]
	current   *Bucket
	lastValue int
	hasSample bool
	lastSave  time.Time
	// record names merged into a bucket; removed once the bucket is written
	extraSources map[string][]string
	closed       bool

	pendingRemoveOld bool
	saveRequests     chan struct{}
	stopAutosave     context.CancelFunc
	autosaveDone     <-chan struct{}

	// serializes persistence passes
	persistMu sync.Mutex
}

// NewStore loads every valid record from storage.
// Unreadable records are logged and left in place.
func NewStore(classifier histogram.Classifier, storage RecordStorage, opts Options, logger *logrus.Logger) (*Store, error) {
	if classifier == nil {
		return nil, errors.New("classifier is nil")
	}
	if storage == nil {
		return nil, errors.New("record storage is nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.Codec == nil {
		opts.Codec = histogram.TextCodec{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	s := &Store{
		classifier:   classifier,
		storage:      storage,
		logger:       logger,
		period:       opts.Period,
		retention:    opts.Retention,
		saveInterval: opts.SaveInterval,
		codec:        opts.Codec,
		now:          opts.Clock,
		buckets:      orderedmap.New[string, *Bucket](),
		extraSources: make(map[string][]string),
		saveRequests: make(chan struct{}, 1),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.lastSave = s.now()
	return s, nil
}

func (s *Store) load() error {
	names, err := s.storage.List()
	if err != nil {
		return fmt.Errorf("failed to list history records: %w", err)
	}

	now := s.now()
	loc := now.Location()
	cutoff := s.period.Cutoff(now, s.retention)
	prefix := s.classifier.FilePrefix()

	loaded := make(map[string]*Bucket)
	sources := make(map[string][]string)

	for _, name := range names {
		nameKey, ok := splitRecordName(prefix, name)
		if !ok {
			continue
		}
		log := s.logger.WithField("record", name)

		// copies left behind by crashes carry a ".suffix" after the key
		if i := strings.IndexByte(nameKey, '.'); i >= 0 {
			nameKey = nameKey[:i]
		}
		start, err := s.period.ParseKey(nameKey, loc)
		if err != nil {
			log.WithError(err).Debug("Ignoring record with unparsable period key")
			continue
		}
		if start.Before(cutoff) {
			s.removeExpired(name, start, cutoff)
			continue
		}

		data, err := s.storage.Read(name)
		if err != nil {
			log.WithError(err).Warn("Failed to read history record, skipping")
			continue
		}
		rec, err := s.codec.Decode(data)
		if err != nil {
			log.WithError(err).Warn("Skipping unreadable history record")
			continue
		}
		b, err := bucketFromRecord(rec, s.period, loc, s.classifier, s.logger)
		if err != nil {
			log.WithError(err).Warn("Skipping history record with invalid period key")
			continue
		}
		if b.Start().Before(cutoff) {
			s.removeExpired(name, b.Start(), cutoff)
			continue
		}

		sources[b.Key()] = append(sources[b.Key()], name)
		if existing, ok := loaded[b.Key()]; ok {
			log.WithField("period", b.Key()).Info("Merging duplicate history record")
			existing.MergeFrom(b)
			continue
		}
		loaded[b.Key()] = b
	}

	ordered := make([]*Bucket, 0, len(loaded))
	for key, b := range loaded {
		canonical := RecordName(prefix, key)
		var extras []string
		for _, name := range sources[key] {
			if name != canonical {
				extras = append(extras, name)
			}
		}
		if len(extras) > 0 {
			// rewritten under the canonical name before the extras go away
			b.markDirty()
			s.extraSources[key] = extras
		}
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Start().Before(ordered[j].Start())
	})
	for _, b := range ordered {
		s.buckets.Set(b.Key(), b)
	}

	s.logger.WithFields(logrus.Fields{
		"buckets": len(ordered),
		"prefix":  prefix,
		"period":  s.period.String(),
	}).Debug("History loaded")
	return nil
}

func (s *Store) removeExpired(name string, start, cutoff time.Time) {
	log := s.logger.WithFields(logrus.Fields{
		"record": name,
		"start":  start.Format(time.RFC3339),
		"cutoff": cutoff.Format(time.RFC3339),
	})
	if err := s.storage.Remove(name); err != nil {
		log.WithError(err).Warn("Failed to delete expired history record")
		return
	}
	log.Info("Deleted expired history record")
}

// RecordSample routes a sample into the bucket of the current period.
func (s *Store) RecordSample(value, weight int) {
	now := s.now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.WithField("value", value).Warn("Dropping sample, history store is closed")
		return
	}
	bucket, created := s.currentLocked(now)
	s.lastValue = value
	s.hasSample = true
	due := now.Sub(s.lastSave) >= s.saveInterval
	s.mu.Unlock()

	bucket.RecordSample(value, weight)

	switch {
	case created:
		s.requestSave(true)
	case due:
		s.requestSave(false)
	}
}

// EnsureCurrent creates or adopts the bucket for now without recording anything.
func (s *Store) EnsureCurrent() *Bucket {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	bucket, created := s.currentLocked(s.now())
	s.mu.Unlock()

	if created {
		s.requestSave(true)
	}
	return bucket
}

// currentLocked resolves the bucket for now, creating it on rollover.
func (s *Store) currentLocked(now time.Time) (*Bucket, bool) {
	key := s.period.Key(now)
	if s.current != nil && s.current.Key() == key {
		return s.current, false
	}
	if b, ok := s.buckets.Get(key); ok {
		s.current = b
		return b, false
	}

	b := NewBucket(key, s.period.Start(now), s.classifier, s.logger)
	s.insertLocked(b)
	s.current = b
	s.logger.WithField("period", key).Debug("Started new history bucket")
	return b, true
}

// insertLocked keeps the collection in calendar order.
func (s *Store) insertLocked(b *Bucket) {
	var after *orderedmap.Pair[string, *Bucket]
	for pair := s.buckets.Newest(); pair != nil; pair = pair.Prev() {
		if !pair.Value.Start().After(b.Start()) {
			after = pair
			break
		}
	}

	s.buckets.Set(b.Key(), b)
	switch {
	case after != nil:
		_ = s.buckets.MoveAfter(b.Key(), after.Key)
	case s.buckets.Len() > 1:
		_ = s.buckets.MoveBefore(b.Key(), s.buckets.Oldest().Key)
	}
}

// requestSave hands a persistence pass to the autosave goroutine when it runs,
// otherwise persists on the caller.
func (s *Store) requestSave(removeOld bool) {
	s.mu.Lock()
	running := s.autosaveDone != nil
	if running && removeOld {
		s.pendingRemoveOld = true
	}
	s.mu.Unlock()

	if !running {
		s.Persist(removeOld)
		return
	}
	select {
	case s.saveRequests <- struct{}{}:
	default:
		// a request is already queued
	}
}

type writeJob struct {
	bucket *Bucket
	rec    histogram.Record
	extras []string
}

// Persist writes every dirty bucket and, with removeOld, evicts buckets older
// than the retention window. Failed writes leave the bucket dirty.
func (s *Store) Persist(removeOld bool) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	now := s.now()
	cutoff := s.period.Cutoff(now, s.retention)

	var (
		jobs    []writeJob
		evicted []string
	)
	s.mu.Lock()
	for pair := s.buckets.Oldest(); pair != nil; pair = pair.Next() {
		b := pair.Value
		if removeOld && b.Start().Before(cutoff) {
			evicted = append(evicted, pair.Key)
			continue
		}
		if rec, ok := b.takeRecord(); ok {
			jobs = append(jobs, writeJob{bucket: b, rec: rec, extras: s.extraSources[pair.Key]})
		}
	}
	for _, key := range evicted {
		if s.current != nil && s.current.Key() == key {
			s.current = nil
		}
		s.buckets.Delete(key)
		delete(s.extraSources, key)
	}
	s.lastSave = now
	s.mu.Unlock()

	prefix := s.classifier.FilePrefix()
	for _, key := range evicted {
		name := RecordName(prefix, key)
		if err := s.storage.Remove(name); err != nil {
			s.logger.WithError(err).WithField("record", name).Warn("Failed to delete evicted history record")
			continue
		}
		s.logger.WithField("period", key).Info("Evicted history bucket")
	}

	for _, job := range jobs {
		s.write(job)
	}
}

func (s *Store) write(job writeJob) {
	name := RecordName(s.classifier.FilePrefix(), job.rec.PeriodKey)
	log := s.logger.WithField("record", name)

	data, err := s.codec.Encode(job.rec)
	if err == nil {
		err = s.storage.Write(name, data)
	}
	if err != nil {
		job.bucket.markDirty()
		log.WithError(err).Warn("Failed to persist history bucket, will retry")
		return
	}
	log.Debug("History bucket persisted")

	if len(job.extras) == 0 {
		return
	}
	s.mu.Lock()
	delete(s.extraSources, job.rec.PeriodKey)
	s.mu.Unlock()
	for _, extra := range job.extras {
		if err := s.storage.Remove(extra); err != nil {
			log.WithError(err).WithField("duplicate", extra).Warn("Failed to delete merged duplicate record")
		}
	}
}

// StartAutosave runs persistence every save interval and services save
// requests raised by period rollovers until ctx is done or the store closes.
func (s *Store) StartAutosave(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.autosaveDone != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.stopAutosave = cancel
	s.autosaveDone = groutine.Go(ctx, "history-autosave", func(ctx context.Context) {
		ticker := time.NewTicker(s.saveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Persist(true)
			case <-s.saveRequests:
				s.mu.Lock()
				removeOld := s.pendingRemoveOld
				s.pendingRemoveOld = false
				s.mu.Unlock()
				s.Persist(removeOld)
			}
		}
	})
}

// Close flushes every bucket without eviction and releases them.
// Later samples are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop, done := s.stopAutosave, s.autosaveDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	s.Persist(false)

	s.mu.Lock()
	s.stopAutosave = nil
	s.autosaveDone = nil
	s.current = nil
	s.buckets = orderedmap.New[string, *Bucket]()
	s.mu.Unlock()
	s.logger.Debug("History store closed")
}

// Bucket returns the bucket for key, if present.
func (s *Store) Bucket(key string) (*Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets.Get(key)
}

// PeriodKeys lists bucket keys oldest first.
func (s *Store) PeriodKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, s.buckets.Len())
	for pair := s.buckets.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// LastSample returns the most recent value recorded in this session.
func (s *Store) LastSample() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastValue, s.hasSample
}

// RecentValues returns the recent window of the current bucket.
func (s *Store) RecentValues() []int {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil {
		return nil
	}
	return current.RecentValues()
}

func (s *Store) Classifier() histogram.Classifier {
	return s.classifier
}

func (s *Store) Period() Period {
	return s.period
}

func (s *Store) LastSave() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSave
}
