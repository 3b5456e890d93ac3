package store

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
)

// EventFilter - Event query filter. Zero values match everything.
type EventFilter struct {
	DeviceID string
	Kinds    []common.EventKind
	From     time.Time
	To       time.Time
}

// Subscription - A push subscription for new event records.
type Subscription struct {
	// C - Receives matching records. Never closed by Record; closed by Cancel.
	C      <-chan common.EventRecord
	cancel func()
}

// Cancel - Stop receiving and release the subscription.
func (subscription *Subscription) Cancel() {
	subscription.cancel()
}

type subscriber struct {
	kinds   map[common.EventKind]bool // Empty matches all kinds
	channel chan common.EventRecord
}

// EventLog - Durable append-only log of job outcomes and state transitions.
// No prior record is ever mutated or removed. Appends are safe under
// concurrent writers; ordering is by record timestamp.
type EventLog struct {
	mutex       sync.RWMutex
	path        string
	file        *os.File
	events      []common.EventRecord
	byDevice    map[string][]int // Indexes into events, per device
	subscribers map[int]*subscriber
	nextSubID   int
}

// NewEventLog - Open the event log at the given path, loading existing
// records. An empty path keeps the log in memory only.
func NewEventLog(path string) (*EventLog, error) {
	eventLog := &EventLog{
		path:        path,
		byDevice:    make(map[string][]int),
		subscribers: make(map[int]*subscriber),
	}
	if path == "" {
		return eventLog, nil
	}

	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var record common.EventRecord
			if err := json.Unmarshal(line, &record); err != nil {
				log.WithError(err).Warn("Skipping malformed event log line")
				continue
			}
			eventLog.index(record)
		}
		existing.Close()
		if err := scanner.Err(); err != nil {
			return nil, &common.StorageError{Op: "load event log", Err: err}
		}
	} else if !os.IsNotExist(err) {
		return nil, &common.StorageError{Op: "load event log", Err: err}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, &common.StorageError{Op: "open event log", Err: err}
	}
	eventLog.file = file

	log.WithFields(log.Fields{
		"event_count":    len(eventLog.events),
		"event_log_path": path,
	}).Info("Loaded event log")
	return eventLog, nil
}

// Record - Append an event record. The record time defaults to now.
func (eventLog *EventLog) Record(record common.EventRecord) error {
	eventLog.mutex.Lock()
	// Assigned under the lock so append order matches timestamp order
	// under concurrent writers
	if record.Time.IsZero() {
		record.Time = time.Now()
	}
	if eventLog.file != nil {
		line, err := json.Marshal(record)
		if err == nil {
			line = append(line, '\n')
			_, err = eventLog.file.Write(line)
		}
		if err != nil {
			eventLog.mutex.Unlock()
			return &common.StorageError{Op: "append event", Err: err}
		}
	}
	eventLog.index(record)
	// Notified under the lock so Cancel cannot close a channel mid-send.
	// Sends never block, slow consumers drop notifications instead.
	for _, subscription := range eventLog.subscribers {
		if len(subscription.kinds) > 0 && !subscription.kinds[record.Kind] {
			continue
		}
		select {
		case subscription.channel <- record:
		default:
		}
	}
	eventLog.mutex.Unlock()

	log.WithFields(log.Fields{
		"device_id":  record.DeviceID,
		"job_kind":   record.JobKind,
		"event_kind": record.Kind,
	}).Debug(record.Detail)
	return nil
}

// Query - Query records matching the filter, ordered by time ascending.
// The returned slice is a copy; iterating it holds no log lock.
func (eventLog *EventLog) Query(filter EventFilter) []common.EventRecord {
	eventLog.mutex.RLock()
	defer eventLog.mutex.RUnlock()

	var candidates []int
	if filter.DeviceID != "" {
		candidates = eventLog.byDevice[filter.DeviceID]
	} else {
		candidates = make([]int, len(eventLog.events))
		for i := range eventLog.events {
			candidates[i] = i
		}
	}

	kinds := make(map[common.EventKind]bool, len(filter.Kinds))
	for _, kind := range filter.Kinds {
		kinds[kind] = true
	}

	results := make([]common.EventRecord, 0, len(candidates))
	for _, index := range candidates {
		record := eventLog.events[index]
		if len(kinds) > 0 && !kinds[record.Kind] {
			continue
		}
		if !filter.From.IsZero() && record.Time.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && record.Time.After(filter.To) {
			continue
		}
		results = append(results, record)
	}
	return results
}

// Subscribe - Subscribe to new records of the given kinds. No kinds matches
// all kinds. Notifications to a full subscriber channel are dropped.
func (eventLog *EventLog) Subscribe(kinds ...common.EventKind) *Subscription {
	channel := make(chan common.EventRecord, 64)
	entry := &subscriber{
		kinds:   make(map[common.EventKind]bool, len(kinds)),
		channel: channel,
	}
	for _, kind := range kinds {
		entry.kinds[kind] = true
	}

	eventLog.mutex.Lock()
	id := eventLog.nextSubID
	eventLog.nextSubID++
	eventLog.subscribers[id] = entry
	eventLog.mutex.Unlock()

	return &Subscription{
		C: channel,
		cancel: func() {
			eventLog.mutex.Lock()
			if _, found := eventLog.subscribers[id]; found {
				delete(eventLog.subscribers, id)
				close(channel)
			}
			eventLog.mutex.Unlock()
		},
	}
}

// Close - Close the underlying log file.
func (eventLog *EventLog) Close() error {
	eventLog.mutex.Lock()
	defer eventLog.mutex.Unlock()
	if eventLog.file == nil {
		return nil
	}
	err := eventLog.file.Close()
	eventLog.file = nil
	return err
}

// Callers must hold the write lock.
func (eventLog *EventLog) index(record common.EventRecord) {
	index := len(eventLog.events)
	eventLog.events = append(eventLog.events, record)
	if record.DeviceID != "" {
		eventLog.byDevice[record.DeviceID] = append(eventLog.byDevice[record.DeviceID], index)
	}
}
