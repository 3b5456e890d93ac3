package store

import (
	"sync"
	"time"

	"dev.hon.one/tantalum/common"
)

// MetricSink - Optional mirror for stored samples, e.g. a time-series
// database writer. Must not block.
type MetricSink func(sample common.MetricSample)

// MetricStore - In-memory metric sample window per device with bounded-size
// eviction. Eviction drops the oldest samples and never reorders the rest.
type MetricStore struct {
	mutex      sync.RWMutex
	windowSize int
	samples    map[string][]common.MetricSample // Ascending time per device
	sink       MetricSink
}

// NewMetricStore - Create a metric store keeping at most windowSize samples
// per device.
func NewMetricStore(windowSize int) *MetricStore {
	if windowSize <= 0 {
		windowSize = 1024
	}
	return &MetricStore{
		windowSize: windowSize,
		samples:    make(map[string][]common.MetricSample),
	}
}

// SetSink - Install a mirror for newly added samples.
func (store *MetricStore) SetSink(sink MetricSink) {
	store.mutex.Lock()
	store.sink = sink
	store.mutex.Unlock()
}

// Add - Append samples. Each batch is applied atomically per device.
func (store *MetricStore) Add(samples ...common.MetricSample) {
	if len(samples) == 0 {
		return
	}
	store.mutex.Lock()
	sink := store.sink
	for _, sample := range samples {
		window := append(store.samples[sample.DeviceID], sample)
		if overflow := len(window) - store.windowSize; overflow > 0 {
			window = window[overflow:]
		}
		store.samples[sample.DeviceID] = window
	}
	store.mutex.Unlock()

	if sink != nil {
		for _, sample := range samples {
			sink(sample)
		}
	}
}

// Query - Samples for a device within the time range, ordered by time
// ascending. Zero range bounds match everything.
func (store *MetricStore) Query(deviceID string, from time.Time, to time.Time) []common.MetricSample {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	window := store.samples[deviceID]
	results := make([]common.MetricSample, 0, len(window))
	for _, sample := range window {
		if !from.IsZero() && sample.Time.Before(from) {
			continue
		}
		if !to.IsZero() && sample.Time.After(to) {
			continue
		}
		results = append(results, sample)
	}
	return results
}
