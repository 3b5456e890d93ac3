package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/dialects"
	"dev.hon.one/tantalum/registry"
	"dev.hon.one/tantalum/store"
)

const fakeRunningConfig = "Building configuration...\r\n" +
	"hostname sw-lab-1\r\n" +
	"interface GigabitEthernet0/1\r\n" +
	"sw-lab-1#\r\n"

type fakeShellSession struct {
	outputs map[string]string
	runErr  error
	closed  bool
}

func (session *fakeShellSession) Run(ctx context.Context, command string) (string, error) {
	if session.runErr != nil {
		return "", session.runErr
	}
	return session.outputs[command], nil
}

func (session *fakeShellSession) Close() error {
	session.closed = true
	return nil
}

func newBackupFixture(t *testing.T) (*BackupWorker, *registry.Registry, *store.ConfigStore, *store.EventLog, common.Device) {
	t.Helper()
	credentials := map[string]common.Credential{"lab": {Username: "admin", Password: "secret"}}
	reg, err := registry.New("", credentials)
	require.NoError(t, err)
	configs, err := store.NewConfigStore("")
	require.NoError(t, err)
	events, err := store.NewEventLog("")
	require.NoError(t, err)

	id, err := reg.Add(common.Device{
		Name:         "sw-lab-1",
		Address:      "192.0.2.10",
		Dialect:      dialects.TagCiscoIOS,
		CredentialID: "lab",
		Enabled:      true,
	})
	require.NoError(t, err)
	device, err := reg.Get(id)
	require.NoError(t, err)

	worker := NewBackupWorker(reg, configs, events, common.DefaultConfig())
	return worker, reg, configs, events, device
}

func TestRunBackupStoresVersionAndEvent(t *testing.T) {
	worker, reg, configs, events, device := newBackupFixture(t)
	session := &fakeShellSession{outputs: map[string]string{"show running-config": fakeRunningConfig}}
	worker.Dial = func(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error) {
		assert.Equal(t, "admin", credential.Username)
		return session, nil
	}

	outcome, err := worker.RunBackup(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, common.OutcomeSuccess, outcome)
	assert.True(t, session.closed)

	history := configs.History(device.ID)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Content, "hostname sw-lab-1\n")
	assert.NotContains(t, history[0].Content, "sw-lab-1#")

	records := events.Query(store.EventFilter{DeviceID: device.ID})
	require.Len(t, records, 1)
	assert.Equal(t, common.EventSuccess, records[0].Kind)
	assert.Equal(t, common.JobBackup, records[0].JobKind)

	updated, err := reg.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, common.DeviceStatusOnline, updated.Status)
	assert.False(t, updated.LastBackup.IsZero())
}

func TestRunBackupUnchangedConfigCreatesNoVersion(t *testing.T) {
	worker, _, configs, events, device := newBackupFixture(t)
	worker.Dial = func(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error) {
		return &fakeShellSession{outputs: map[string]string{"show running-config": fakeRunningConfig}}, nil
	}

	outcome, err := worker.RunBackup(context.Background(), device)
	require.NoError(t, err)
	require.Equal(t, common.OutcomeSuccess, outcome)

	outcome, err = worker.RunBackup(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, common.OutcomeSuccessNoChange, outcome)

	// One version, but both attempts recorded
	assert.Len(t, configs.History(device.ID), 1)
	assert.Len(t, events.Query(store.EventFilter{DeviceID: device.ID}), 2)
}

func TestRunBackupAuthFailureIsNotRetried(t *testing.T) {
	worker, _, configs, events, device := newBackupFixture(t)
	attempts := 0
	worker.Dial = func(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error) {
		attempts++
		return nil, errors.New("ssh: unable to authenticate, attempted methods [password]")
	}

	outcome, err := worker.RunBackup(context.Background(), device)
	require.ErrorIs(t, err, common.ErrAuthFailure)
	assert.Equal(t, common.OutcomeAuthFailure, outcome)
	assert.Equal(t, 1, attempts)

	assert.Empty(t, configs.History(device.ID))
	records := events.Query(store.EventFilter{DeviceID: device.ID})
	require.Len(t, records, 1)
	assert.Equal(t, common.EventAuthFailure, records[0].Kind)
}

func TestRunBackupUnreachableAfterBoundedRetries(t *testing.T) {
	worker, reg, _, events, device := newBackupFixture(t)
	worker.ConnectRetries = 2
	attempts := 0
	worker.Dial = func(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error) {
		attempts++
		return nil, errors.New("dial tcp 192.0.2.10:22: connection refused")
	}

	outcome, err := worker.RunBackup(context.Background(), device)
	require.ErrorIs(t, err, common.ErrUnreachable)
	assert.Equal(t, common.OutcomeUnreachable, outcome)
	assert.Equal(t, 3, attempts) // Initial attempt plus two retries

	records := events.Query(store.EventFilter{DeviceID: device.ID})
	require.Len(t, records, 1)
	assert.Equal(t, common.EventUnreachable, records[0].Kind)

	updated, err := reg.Get(device.ID)
	require.NoError(t, err)
	assert.Equal(t, common.DeviceStatusOffline, updated.Status)
}

func TestRunBackupExpiredContextReportsCause(t *testing.T) {
	worker, _, _, _, device := newBackupFixture(t)
	attempts := 0
	worker.Dial = func(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error) {
		attempts++
		return nil, errors.New("unexpected dial")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := worker.RunBackup(ctx, device)
	require.ErrorIs(t, err, common.ErrUnreachable)
	assert.Equal(t, common.OutcomeUnreachable, outcome)
	assert.Equal(t, 0, attempts)
	assert.Contains(t, err.Error(), context.Canceled.Error())
}

func TestRunBackupCommandFailureClosesSession(t *testing.T) {
	worker, _, configs, _, device := newBackupFixture(t)
	session := &fakeShellSession{runErr: errors.New("connection reset by peer")}
	worker.Dial = func(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error) {
		return session, nil
	}

	outcome, err := worker.RunBackup(context.Background(), device)
	require.ErrorIs(t, err, common.ErrUnreachable)
	assert.Equal(t, common.OutcomeUnreachable, outcome)
	assert.True(t, session.closed)
	assert.Empty(t, configs.History(device.ID))
}
