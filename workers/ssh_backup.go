// Package workers contains the network-facing job implementations: the
// shell backup worker and the management protocol monitor worker. Network
// calls are the only operations here allowed to block, each under an
// explicit timeout.
package workers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/dialects"
	"dev.hon.one/tantalum/registry"
	"dev.hon.one/tantalum/store"
)

// ShellSession - An open shell session to a device. Run issues one command
// and returns its combined output.
type ShellSession interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// DialFunc - Opens an authenticated shell session. Replaceable in tests.
type DialFunc func(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error)

// BackupWorker - Opens a shell session to a device, captures its
// configuration and hands it to the config store.
type BackupWorker struct {
	Registry         *registry.Registry
	Configs          *store.ConfigStore
	Events           *store.EventLog
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	ConnectRetries   int

	// Dial - Session factory. Replaceable in tests.
	Dial DialFunc
}

// NewBackupWorker - Create a backup worker using real SSH sessions.
func NewBackupWorker(reg *registry.Registry, configs *store.ConfigStore, events *store.EventLog, config common.Config) *BackupWorker {
	worker := &BackupWorker{
		Registry:         reg,
		Configs:          configs,
		Events:           events,
		ConnectTimeout:   config.ConnectTimeout(),
		OperationTimeout: config.OperationTimeout(),
		ConnectRetries:   config.ConnectRetries,
	}
	worker.Dial = worker.dialSSH
	return worker
}

// RunBackup - Run one backup for the device. Every outcome is recorded in
// the event log with timing and error detail.
func (worker *BackupWorker) RunBackup(ctx context.Context, device common.Device) (common.Outcome, error) {
	startTime := time.Now()
	outcome, err := worker.runBackup(ctx, device)

	record := common.EventRecord{
		DeviceID: device.ID,
		JobKind:  common.JobBackup,
		Duration: time.Since(startTime),
	}
	switch outcome {
	case common.OutcomeSuccess:
		record.Kind = common.EventSuccess
		record.Detail = "backup stored new config version"
	case common.OutcomeSuccessNoChange:
		record.Kind = common.EventSuccess
		record.Detail = "backup unchanged, no new config version"
	case common.OutcomeAuthFailure:
		record.Kind = common.EventAuthFailure
		record.Detail = fmt.Sprintf("backup failed: %v", err)
	case common.OutcomeUnreachable:
		record.Kind = common.EventUnreachable
		record.Detail = fmt.Sprintf("backup failed: %v", err)
	default:
		record.Kind = common.EventFailure
		record.Detail = fmt.Sprintf("backup failed: %v", err)
	}
	if recordErr := worker.Events.Record(record); recordErr != nil {
		log.WithError(recordErr).Error("Failed to record backup event")
	}

	switch outcome {
	case common.OutcomeSuccess, common.OutcomeSuccessNoChange:
		worker.Registry.SetStatus(device.ID, common.DeviceStatusOnline)
		worker.Registry.SetLastBackup(device.ID, time.Now())
	case common.OutcomeUnreachable:
		worker.Registry.SetStatus(device.ID, common.DeviceStatusOffline)
	}
	return outcome, err
}

func (worker *BackupWorker) runBackup(ctx context.Context, device common.Device) (common.Outcome, error) {
	dialect, found := dialects.Lookup(device.Dialect)
	if !found {
		return common.OutcomeFailure, &common.ValidationError{Field: "dialect", Reason: fmt.Sprintf("unknown dialect %q", device.Dialect)}
	}
	credential, found := worker.Registry.Credential(device.CredentialID)
	if !found {
		return common.OutcomeFailure, &common.ValidationError{Field: "credential_id", Reason: fmt.Sprintf("unknown credential %q", device.CredentialID)}
	}

	ctx, cancel := context.WithTimeout(ctx, worker.OperationTimeout)
	defer cancel()

	session, outcome, err := worker.connect(ctx, device, credential)
	if err != nil {
		return outcome, err
	}
	// Session close is guaranteed, also on command errors
	defer session.Close()

	var captured strings.Builder
	for _, command := range dialect.CaptureCommands() {
		output, err := session.Run(ctx, command)
		if err != nil {
			if ctx.Err() != nil {
				return common.OutcomeUnreachable, fmt.Errorf("%w: operation timed out running %q", common.ErrUnreachable, command)
			}
			return common.OutcomeUnreachable, fmt.Errorf("%w: command %q failed: %v", common.ErrUnreachable, command, err)
		}
		captured.WriteString(output)
	}

	text := dialect.Sanitize(captured.String())
	_, created, err := worker.Configs.Append(device.ID, text, time.Now())
	if err != nil {
		return common.OutcomeFailure, err
	}
	if !created {
		return common.OutcomeSuccessNoChange, nil
	}
	return common.OutcomeSuccess, nil
}

// Transient link hiccups get a small bounded number of immediate retries.
// Authentication failures are never retried.
func (worker *BackupWorker) connect(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, common.Outcome, error) {
	var lastErr error
	for attempt := 0; attempt <= worker.ConnectRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			break
		}
		session, err := worker.Dial(ctx, device, credential)
		if err == nil {
			return session, common.OutcomeSuccess, nil
		}
		if isAuthError(err) {
			return nil, common.OutcomeAuthFailure, fmt.Errorf("%w: %v", common.ErrAuthFailure, err)
		}
		lastErr = err
		log.WithError(err).WithFields(log.Fields{
			"device":  device.Address,
			"attempt": attempt + 1,
		}).Debug("Failed to connect to device")
	}
	return nil, common.OutcomeUnreachable, fmt.Errorf("%w: %v", common.ErrUnreachable, lastErr)
}

func isAuthError(err error) bool {
	if errors.Is(err, common.ErrAuthFailure) {
		return true
	}
	// x/crypto/ssh reports rejected credentials as a plain error
	return strings.Contains(err.Error(), "unable to authenticate")
}

func (worker *BackupWorker) dialSSH(ctx context.Context, device common.Device, credential common.Credential) (ShellSession, error) {
	authMethods := make([]ssh.AuthMethod, 0)
	if credential.Password != "" {
		authMethods = append(authMethods, ssh.Password(credential.Password))
	}
	if credential.PrivateKeyPath != "" {
		privkey, err := os.ReadFile(credential.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH private key %v: %w", credential.PrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(privkey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key %v: %w", credential.PrivateKeyPath, err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}
	sshConfig := &ssh.ClientConfig{
		User:            credential.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth:            authMethods,
		Timeout:         worker.ConnectTimeout,
	}

	port := uint(22)
	if device.Port > 0 {
		port = device.Port
	}
	fullAddress := fmt.Sprintf("%v:%v", device.Address, port)

	dialer := net.Dialer{Timeout: worker.ConnectTimeout}
	connection, err := dialer.DialContext(ctx, "tcp", fullAddress)
	if err != nil {
		return nil, err
	}
	clientConnection, channels, requests, err := ssh.NewClientConn(connection, fullAddress, sshConfig)
	if err != nil {
		connection.Close()
		return nil, err
	}
	return &sshShellSession{client: ssh.NewClient(clientConnection, channels, requests)}, nil
}

type sshShellSession struct {
	client *ssh.Client
}

func (shell *sshShellSession) Run(ctx context.Context, command string) (string, error) {
	session, err := shell.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	defer session.Close()

	type runResult struct {
		output []byte
		err    error
	}
	resultChannel := make(chan runResult, 1)
	go func() {
		output, err := session.CombinedOutput(command)
		resultChannel <- runResult{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		// Closing the transport makes the blocked command run return
		shell.client.Close()
		return "", ctx.Err()
	case result := <-resultChannel:
		return string(result.output), result.err
	}
}

func (shell *sshShellSession) Close() error {
	return shell.client.Close()
}
