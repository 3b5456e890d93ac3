// Package scheduler owns the recurring job bookkeeping: which jobs are due,
// per-device execution slots and the bounded worker pool. The tick loop only
// decides what becomes due and hands work off, it never blocks on network
// I/O itself.
package scheduler

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/registry"
	"dev.hon.one/tantalum/store"
	"dev.hon.one/tantalum/util"
)

// Runner - Executes jobs dispatched by the scheduler.
type Runner interface {
	RunBackup(ctx context.Context, device common.Device) error
	RunPoll(ctx context.Context, device common.Device) error
}

// Entry - One recurring schedule entry. The trigger is either a fixed
// interval or a calendar (cron) expression, never both.
type Entry struct {
	ID              string         `json:"id"`
	DeviceID        string         `json:"device_id"`
	Kind            common.JobKind `json:"kind"`
	IntervalSeconds float64        `json:"interval,omitempty"`
	CronExpr        string         `json:"cron,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRun         time.Time      `json:"last_run"`
	NextDue         time.Time      `json:"next_due"`

	cronSchedule cron.Schedule
}

func (entry *Entry) nextFrom(t time.Time) time.Time {
	if entry.cronSchedule != nil {
		return entry.cronSchedule.Next(t)
	}
	return t.Add(time.Duration(entry.IntervalSeconds * float64(time.Second)))
}

type slotKey struct {
	DeviceID string
	Kind     common.JobKind
}

// Scheduler - Tick-based scheduler. At most one job per (device, job kind)
// is in flight at any time, regardless of how many schedule entries or
// manual triggers target it.
type Scheduler struct {
	mutex    sync.Mutex
	registry *registry.Registry
	events   *store.EventLog
	runner   Runner
	path     string
	entries  map[string]*Entry
	running  map[slotKey]context.CancelFunc
	pool     chan struct{}
	tick     time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	jobWait    sync.WaitGroup

	now func() time.Time // Replaceable in tests
}

// New - Create a scheduler, loading persisted schedule entries if present.
func New(reg *registry.Registry, events *store.EventLog, runner Runner, config common.Config) (*Scheduler, error) {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	scheduler := &Scheduler{
		registry:   reg,
		events:     events,
		runner:     runner,
		path:       config.SchedulesPath,
		entries:    make(map[string]*Entry),
		running:    make(map[slotKey]context.CancelFunc),
		pool:       make(chan struct{}, config.WorkerPoolSize),
		tick:       config.TickInterval(),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		now:        time.Now,
	}

	if scheduler.path != "" {
		if _, err := os.Stat(scheduler.path); err == nil {
			var entries []*Entry
			if err := util.ParseJSONFile(&entries, scheduler.path); err != nil {
				return nil, &common.StorageError{Op: "load schedules", Err: err}
			}
			for _, entry := range entries {
				if entry.CronExpr != "" {
					schedule, err := cron.ParseStandard(entry.CronExpr)
					if err != nil {
						return nil, &common.ValidationError{Field: "cron", Reason: err.Error()}
					}
					entry.cronSchedule = schedule
				}
				scheduler.entries[entry.ID] = entry
			}
			log.WithFields(log.Fields{
				"entry_count":    len(entries),
				"schedules_path": scheduler.path,
			}).Info("Loaded schedule entries")
		}
	}
	return scheduler, nil
}

// AddEntry - Add a schedule entry with either an interval or a cron
// expression trigger. Returns the entry ID.
func (scheduler *Scheduler) AddEntry(deviceID string, kind common.JobKind, interval time.Duration, cronExpr string, enabled bool) (string, error) {
	if (interval > 0) == (cronExpr != "") {
		return "", &common.ValidationError{Field: "trigger", Reason: "exactly one of interval or cron expression required"}
	}
	if kind != common.JobBackup && kind != common.JobMonitor {
		return "", &common.ValidationError{Field: "kind", Reason: "unknown job kind"}
	}
	if _, err := scheduler.registry.Get(deviceID); err != nil {
		return "", err
	}

	entry := &Entry{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		Kind:            kind,
		IntervalSeconds: interval.Seconds(),
		CronExpr:        cronExpr,
		Enabled:         enabled,
	}
	if cronExpr != "" {
		schedule, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return "", &common.ValidationError{Field: "cron", Reason: err.Error()}
		}
		entry.cronSchedule = schedule
	}

	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	entry.NextDue = entry.nextFrom(scheduler.now())
	scheduler.entries[entry.ID] = entry
	if err := scheduler.save(); err != nil {
		delete(scheduler.entries, entry.ID)
		return "", err
	}

	log.WithFields(log.Fields{
		"entry_id":  entry.ID,
		"device_id": deviceID,
		"job_kind":  kind,
	}).Info("Added schedule entry")
	return entry.ID, nil
}

// RemoveEntry - Remove a schedule entry. A run already in flight finishes
// normally.
func (scheduler *Scheduler) RemoveEntry(id string) error {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	entry, found := scheduler.entries[id]
	if !found {
		return common.ErrNotFound
	}
	delete(scheduler.entries, id)
	if err := scheduler.save(); err != nil {
		scheduler.entries[id] = entry
		return err
	}
	return nil
}

// SetEntryEnabled - Enable or disable a schedule entry. Re-enabling
// recomputes the next due time from the current time.
func (scheduler *Scheduler) SetEntryEnabled(id string, enabled bool) error {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	entry, found := scheduler.entries[id]
	if !found {
		return common.ErrNotFound
	}
	if enabled && !entry.Enabled {
		entry.NextDue = entry.nextFrom(scheduler.now())
	}
	entry.Enabled = enabled
	return scheduler.save()
}

// Entries - Snapshot of all schedule entries, ordered by ID.
func (scheduler *Scheduler) Entries() []Entry {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	entries := make([]Entry, 0, len(scheduler.entries))
	for _, entry := range scheduler.entries {
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// RunNow - Trigger a job immediately, bypassing the due-time check but not
// the per-(device, job kind) execution slot.
func (scheduler *Scheduler) RunNow(deviceID string, kind common.JobKind) error {
	device, err := scheduler.registry.Get(deviceID)
	if err != nil {
		return err
	}
	if device.Removed {
		return common.ErrNotFound
	}

	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	key := slotKey{DeviceID: deviceID, Kind: kind}
	if _, held := scheduler.running[key]; held {
		return common.ErrJobRunning
	}
	scheduler.launch(key, "", device)
	return nil
}

// Cancel - Cancel a running job. The worker observes its network session
// closing and releases the slot.
func (scheduler *Scheduler) Cancel(deviceID string, kind common.JobKind) error {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	cancel, held := scheduler.running[slotKey{DeviceID: deviceID, Kind: kind}]
	if !held {
		return common.ErrNotFound
	}
	cancel()
	return nil
}

// Start - Start the scheduler tick loop in the background.
func (scheduler *Scheduler) Start(waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	shutdownChannel := make(chan bool, 1)
	if !shutdown.AddListener(shutdownChannel) {
		return
	}
	waitGroup.Add(1)

	go func() {
		defer waitGroup.Done()
		defer log.Info("Scheduler stopped")

		ticker := time.NewTicker(scheduler.tick)
		defer ticker.Stop()
		scheduler.evaluate()

		for {
			select {
			case <-ticker.C:
				scheduler.evaluate()
			case <-shutdownChannel:
				scheduler.baseCancel()
				scheduler.jobWait.Wait()
				return
			}
		}
	}()

	log.Info("Scheduler started")
}

// One clock tick: move due entries to running if their slot is free. Entries
// whose previous run is still in flight are skipped and advanced by exactly
// one trigger period.
func (scheduler *Scheduler) evaluate() {
	now := scheduler.now()

	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	changed := false
	for _, entry := range scheduler.entries {
		if !entry.Enabled {
			continue
		}
		device, err := scheduler.registry.Get(entry.DeviceID)
		if err != nil || device.Removed || !device.Enabled {
			// Out of the due-evaluation set; keep sliding the due time so a
			// re-enabled device starts from the current time
			if !now.Before(entry.NextDue) {
				entry.NextDue = entry.nextFrom(now)
				changed = true
			}
			continue
		}
		if now.Before(entry.NextDue) {
			continue
		}

		key := slotKey{DeviceID: entry.DeviceID, Kind: entry.Kind}
		if _, held := scheduler.running[key]; held {
			// Missed tick is dropped, not queued
			entry.NextDue = entry.nextFrom(entry.NextDue)
			changed = true
			if err := scheduler.events.Record(common.EventRecord{
				DeviceID: entry.DeviceID,
				JobKind:  entry.Kind,
				Kind:     common.EventSkipped,
				Detail:   "previous run still in flight, skipping",
			}); err != nil {
				log.WithError(err).Error("Failed to record skip event")
			}
			continue
		}

		scheduler.launch(key, entry.ID, device)
	}

	if !changed {
		return
	}
	if err := scheduler.save(); err != nil {
		log.WithError(err).Warn("Failed to persist schedule state")
	}
}

// Callers must hold the mutex. Acquires the execution slot and starts the
// job goroutine; the pool token is acquired inside the goroutine so the tick
// loop never waits for a free worker.
func (scheduler *Scheduler) launch(key slotKey, entryID string, device common.Device) {
	ctx, cancel := context.WithCancel(scheduler.baseCtx)
	scheduler.running[key] = cancel
	scheduler.jobWait.Add(1)
	go scheduler.execute(ctx, cancel, key, entryID, device)
}

func (scheduler *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, key slotKey, entryID string, device common.Device) {
	defer scheduler.jobWait.Done()
	defer cancel()

	released := false
	release := func() {
		completion := scheduler.now()
		scheduler.mutex.Lock()
		delete(scheduler.running, key)
		if entry, found := scheduler.entries[entryID]; found {
			entry.LastRun = completion
			entry.NextDue = entry.nextFrom(completion)
			if err := scheduler.save(); err != nil {
				log.WithError(err).Warn("Failed to persist schedule state")
			}
		}
		scheduler.mutex.Unlock()
		released = true
	}
	defer func() {
		if !released {
			release()
		}
	}()

	select {
	case scheduler.pool <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-scheduler.pool }()

	log.WithFields(log.Fields{
		"device":   device.Address,
		"job_kind": key.Kind,
	}).Trace("Running job")

	var err error
	switch key.Kind {
	case common.JobBackup:
		err = scheduler.runner.RunBackup(ctx, device)
	case common.JobMonitor:
		err = scheduler.runner.RunPoll(ctx, device)
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"device":   device.Address,
			"job_kind": key.Kind,
		}).Debug("Job finished with failure")
	}
}

// RunningCount - Number of jobs currently holding an execution slot.
func (scheduler *Scheduler) RunningCount() int {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()
	return len(scheduler.running)
}

// Callers must hold the mutex.
func (scheduler *Scheduler) save() error {
	if scheduler.path == "" {
		return nil
	}
	entries := make([]*Entry, 0, len(scheduler.entries))
	for _, entry := range scheduler.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	if err := util.WriteJSONFile(entries, scheduler.path); err != nil {
		return &common.StorageError{Op: "save schedules", Err: err}
	}
	return nil
}
