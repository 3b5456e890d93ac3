// Package core wires the engine together and exposes the narrow
// query/command interface consumed by the presentation layer.
package core

import (
	"context"
	"sync"
	"time"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/registry"
	"dev.hon.one/tantalum/scheduler"
	"dev.hon.one/tantalum/store"
	"dev.hon.one/tantalum/util"
	"dev.hon.one/tantalum/workers"
)

// Engine - The device backup and monitoring engine. The presentation layer
// reads and commands only through this facade; it never touches the stores
// directly.
type Engine struct {
	Config    common.Config
	Registry  *registry.Registry
	Configs   *store.ConfigStore
	Metrics   *store.MetricStore
	Events    *store.EventLog
	Scheduler *scheduler.Scheduler
	Backup    *workers.BackupWorker
	Monitor   *workers.MonitorWorker
}

// NewEngine - Build an engine from config: open the stores, load devices
// and credentials, construct the workers and the scheduler.
func NewEngine(config common.Config) (*Engine, error) {
	credentials, err := registry.LoadCredentials(config.CredentialsPath)
	if err != nil {
		return nil, err
	}
	deviceRegistry, err := registry.New(config.DevicesPath, credentials)
	if err != nil {
		return nil, err
	}
	configs, err := store.NewConfigStore(config.ConfigStoreDir)
	if err != nil {
		return nil, err
	}
	events, err := store.NewEventLog(config.EventLogPath)
	if err != nil {
		return nil, err
	}
	metrics := store.NewMetricStore(config.MetricWindowSize)

	engine := &Engine{
		Config:   config,
		Registry: deviceRegistry,
		Configs:  configs,
		Metrics:  metrics,
		Events:   events,
		Backup:   workers.NewBackupWorker(deviceRegistry, configs, events, config),
		Monitor:  workers.NewMonitorWorker(deviceRegistry, metrics, events, config),
	}
	jobScheduler, err := scheduler.New(deviceRegistry, events, engine, config)
	if err != nil {
		return nil, err
	}
	engine.Scheduler = jobScheduler
	return engine, nil
}

// Start - Start the engine's background services.
func (engine *Engine) Start(waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	engine.Scheduler.Start(waitGroup, shutdown)
}

// RunBackup - scheduler.Runner implementation dispatching to the backup worker.
func (engine *Engine) RunBackup(ctx context.Context, device common.Device) error {
	_, err := engine.Backup.RunBackup(ctx, device)
	return err
}

// RunPoll - scheduler.Runner implementation dispatching to the monitor worker.
func (engine *Engine) RunPoll(ctx context.Context, device common.Device) error {
	_, err := engine.Monitor.RunPoll(ctx, device)
	return err
}

// ListDevices - List devices matching the filter.
func (engine *Engine) ListDevices(filter registry.Filter) []common.Device {
	return engine.Registry.List(filter)
}

// AddDevice - Add a device and return its assigned ID.
func (engine *Engine) AddDevice(device common.Device) (string, error) {
	return engine.Registry.Add(device)
}

// UpdateDevice - Apply a partial update to a device.
func (engine *Engine) UpdateDevice(id string, update common.DeviceUpdate) error {
	return engine.Registry.Update(id, update)
}

// RemoveDevice - Soft-delete a device. Its config history and events remain
// queryable by ID.
func (engine *Engine) RemoveDevice(id string) error {
	return engine.Registry.Remove(id)
}

// TriggerBackupNow - Run a backup immediately, bypassing the due-time check
// but not the execution slot.
func (engine *Engine) TriggerBackupNow(deviceID string) error {
	return engine.Scheduler.RunNow(deviceID, common.JobBackup)
}

// TriggerPollNow - Run a monitor poll immediately, bypassing the due-time
// check but not the execution slot.
func (engine *Engine) TriggerPollNow(deviceID string) error {
	return engine.Scheduler.RunNow(deviceID, common.JobMonitor)
}

// CancelJob - Cancel a running job, closing its network session.
func (engine *Engine) CancelJob(deviceID string, kind common.JobKind) error {
	return engine.Scheduler.Cancel(deviceID, kind)
}

// GetConfigHistory - Config versions for a device, newest first.
func (engine *Engine) GetConfigHistory(deviceID string) []common.ConfigVersion {
	return engine.Configs.History(deviceID)
}

// GetMetrics - Metric samples for a device within the time range.
func (engine *Engine) GetMetrics(deviceID string, from time.Time, to time.Time) []common.MetricSample {
	return engine.Metrics.Query(deviceID, from, to)
}

// GetEvents - Event records matching the filter, oldest first.
func (engine *Engine) GetEvents(filter store.EventFilter) []common.EventRecord {
	return engine.Events.Query(filter)
}

// Subscribe - Push notifications for new events of the given kinds, for the
// presentation layer's alert rendering.
func (engine *Engine) Subscribe(kinds ...common.EventKind) *store.Subscription {
	return engine.Events.Subscribe(kinds...)
}
