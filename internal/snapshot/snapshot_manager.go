package snapshot

// ============================================================================
// Notification queue snapshots
// Responsibilities:
// 1. Serialise the pending notification queue to a JSON file
// 2. Write atomically (temp file + rename) so a crash never leaves half a file
// 3. Check the schema version on load
// ============================================================================

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// SchemaVersion is the on-disk format written by this build.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for the file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write replaces the snapshot atomically. SchemaVer is always stamped with
// SchemaVersion.
func (m *Manager) Write(data types.QueueSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Records == nil {
		data.Records = []*types.QueuedNotification{}
	}

	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0644); err != nil {
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename snapshot")
	}
	return nil
}

// Load reads the snapshot. A missing file yields an empty snapshot so first
// boot needs no special casing.
func (m *Manager) Load() (types.QueueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.QueueSnapshot
	body, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.QueueSnapshot{
				Records:   []*types.QueuedNotification{},
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, errors.Wrap(err, "read snapshot")
	}

	if err := json.Unmarshal(body, &data); err != nil {
		return data, errors.Wrapf(ErrCorruptedSnapshot, "%v", err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", data.SchemaVer, SchemaVersion)
	}
	if data.Records == nil {
		data.Records = []*types.QueuedNotification{}
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}
