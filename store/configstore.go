// Package store holds the persistent engine state: versioned device
// configurations, the append-only event log and the metric sample window.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/util"
)

// ConfigStore - Append-only versioned storage of captured device
// configurations. Versions are immutable once written and totally ordered by
// capture time per device.
type ConfigStore struct {
	mutex  sync.RWMutex
	dir    string
	chains map[string][]common.ConfigVersion // Ascending capture time
}

// NewConfigStore - Open a config store rooted at the given directory,
// loading existing version chains. An empty directory string keeps the store
// in memory only.
func NewConfigStore(dir string) (*ConfigStore, error) {
	store := &ConfigStore{
		dir:    dir,
		chains: make(map[string][]common.ConfigVersion),
	}
	if dir == "" {
		return store, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &common.StorageError{Op: "open config store", Err: err}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &common.StorageError{Op: "open config store", Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var chain []common.ConfigVersion
		if err := util.ParseJSONFile(&chain, filepath.Join(dir, entry.Name())); err != nil {
			return nil, &common.StorageError{Op: "load config versions", Err: err}
		}
		if len(chain) > 0 {
			store.chains[chain[0].DeviceID] = chain
		}
	}
	log.WithFields(log.Fields{
		"device_count": len(store.chains),
		"dir":          dir,
	}).Info("Loaded config version chains")
	return store, nil
}

// HashContent - Content hash used for de-duplication.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Append - Append a captured configuration for a device. If the content is
// byte-identical to the latest stored version, the existing version is
// returned unchanged with its original capture time and created is false.
func (store *ConfigStore) Append(deviceID string, rawText string, capturedAt time.Time) (common.ConfigVersion, bool, error) {
	hash := HashContent(rawText)

	store.mutex.Lock()
	defer store.mutex.Unlock()

	chain := store.chains[deviceID]
	if len(chain) > 0 {
		latest := chain[len(chain)-1]
		if latest.ContentHash == hash {
			return latest, false, nil
		}
		// Keep the chain strictly ordered under clock skew
		if !capturedAt.After(latest.CapturedAt) {
			capturedAt = latest.CapturedAt.Add(time.Nanosecond)
		}
	}

	version := common.ConfigVersion{
		DeviceID:    deviceID,
		CapturedAt:  capturedAt,
		Content:     rawText,
		ContentHash: hash,
	}
	if len(chain) > 0 {
		version.Predecessor = chain[len(chain)-1].ContentHash
	}
	store.chains[deviceID] = append(chain, version)
	if err := store.saveChain(deviceID); err != nil {
		store.chains[deviceID] = chain
		return common.ConfigVersion{}, false, err
	}

	log.WithFields(log.Fields{
		"device_id":     deviceID,
		"content_hash":  hash,
		"version_count": len(chain) + 1,
	}).Debug("Stored config version")
	return version, true, nil
}

// Latest - The most recent version for a device, if any.
func (store *ConfigStore) Latest(deviceID string) (common.ConfigVersion, bool) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	chain := store.chains[deviceID]
	if len(chain) == 0 {
		return common.ConfigVersion{}, false
	}
	return chain[len(chain)-1], true
}

// History - All versions for a device ordered by capture time, descending.
// The returned slice is a copy; iterating it holds no store lock.
func (store *ConfigStore) History(deviceID string) []common.ConfigVersion {
	store.mutex.RLock()
	defer store.mutex.RUnlock()

	chain := store.chains[deviceID]
	history := make([]common.ConfigVersion, len(chain))
	for i, version := range chain {
		history[len(chain)-1-i] = version
	}
	return history
}

// Callers must hold the write lock.
func (store *ConfigStore) saveChain(deviceID string) error {
	if store.dir == "" {
		return nil
	}
	path := filepath.Join(store.dir, deviceID+".json")
	if err := util.WriteJSONFile(store.chains[deviceID], path); err != nil {
		return &common.StorageError{Op: "save config versions", Err: err}
	}
	return nil
}
