package channel

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flowmesh/worksync/internal/wiremsg"
)

const defaultStaleAfter = 2 * time.Minute

const registrySchema = `
CREATE TABLE IF NOT EXISTS devices (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL DEFAULT '',
	platform     TEXT NOT NULL DEFAULT '',
	version      TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'offline',
	workspace_id TEXT NOT NULL DEFAULT '',
	last_seen    INTEGER NOT NULL DEFAULT 0
);
`

// Device is one known peer on the sync channel. Presence is derived from
// inbound traffic only; a device that stops talking goes stale and is
// reported offline.
type Device struct {
	ID           string                 `db:"id" json:"id"`
	Name         string                 `db:"name" json:"name"`
	Platform     string                 `db:"platform" json:"platform"`
	Version      string                 `db:"version" json:"version"`
	Capabilities string                 `db:"capabilities" json:"capabilities"`
	Status       wiremsg.PresenceStatus `db:"status" json:"status"`
	WorkspaceID  string                 `db:"workspace_id" json:"workspaceId,omitempty"`
	LastSeen     int64                  `db:"last_seen" json:"lastSeen"`
}

// CapabilityList splits the stored capability string.
func (d *Device) CapabilityList() []string {
	if d.Capabilities == "" {
		return nil
	}
	return strings.Split(d.Capabilities, ",")
}

// Registry tracks known devices and their presence, persisted so the
// device list survives restarts.
type Registry struct {
	db         *sqlx.DB
	staleAfter time.Duration
}

// NewRegistry creates the devices table if needed. A staleAfter of 0 uses
// the default of 2 minutes.
func NewRegistry(db *sqlx.DB, staleAfter time.Duration) (*Registry, error) {
	if _, err := db.Exec(registrySchema); err != nil {
		return nil, fmt.Errorf("create device registry schema: %w", err)
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &Registry{db: db, staleAfter: staleAfter}, nil
}

// Register upserts a device from its registration payload and marks it
// online.
func (r *Registry) Register(deviceID string, reg wiremsg.DeviceRegister) error {
	_, err := r.db.Exec(`
		INSERT INTO devices (id, name, platform, version, capabilities, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			version = excluded.version,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		deviceID, reg.DeviceName, reg.Platform, reg.Version,
		strings.Join(reg.Capabilities, ","), wiremsg.PresenceOnline, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("register device %s: %w", deviceID, err)
	}
	return nil
}

// Unregister forgets a device. An offline presence update keeps the row;
// unregister is the device saying goodbye for good.
func (r *Registry) Unregister(deviceID string) error {
	_, err := r.db.Exec(`DELETE FROM devices WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("unregister device %s: %w", deviceID, err)
	}
	return nil
}

// Touch records traffic from a device. Unknown devices get a stub row so
// presence works even when the registration message was missed.
func (r *Registry) Touch(deviceID string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO devices (id, status, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_seen = excluded.last_seen,
			status = CASE WHEN devices.status = 'offline' THEN 'online' ELSE devices.status END`,
		deviceID, wiremsg.PresenceOnline, now,
	)
	if err != nil {
		return fmt.Errorf("touch device %s: %w", deviceID, err)
	}
	return nil
}

// SetPresence applies an explicit presence update.
func (r *Registry) SetPresence(deviceID string, status wiremsg.PresenceStatus, workspaceID string) error {
	_, err := r.db.Exec(`
		INSERT INTO devices (id, status, workspace_id, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			workspace_id = excluded.workspace_id,
			last_seen = excluded.last_seen`,
		deviceID, status, workspaceID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set presence for %s: %w", deviceID, err)
	}
	return nil
}

// Get returns a known device or nil.
func (r *Registry) Get(deviceID string) (*Device, error) {
	var d Device
	err := r.db.Get(&d, `SELECT * FROM devices WHERE id = ?`, deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	return r.applyStaleness(&d), nil
}

// List returns all known devices, most recently seen first. Devices whose
// last traffic is older than the staleness window report offline.
func (r *Registry) List() ([]*Device, error) {
	var rows []Device
	if err := r.db.Select(&rows, `SELECT * FROM devices ORDER BY last_seen DESC`); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devices := make([]*Device, 0, len(rows))
	for i := range rows {
		devices = append(devices, r.applyStaleness(&rows[i]))
	}
	return devices, nil
}

// Online returns the devices currently reporting a non-offline status.
func (r *Registry) Online() ([]*Device, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	online := make([]*Device, 0, len(all))
	for _, d := range all {
		if d.Status != wiremsg.PresenceOffline {
			online = append(online, d)
		}
	}
	return online, nil
}

func (r *Registry) applyStaleness(d *Device) *Device {
	if d.Status != wiremsg.PresenceOffline {
		stale := time.Since(time.UnixMilli(d.LastSeen)) > r.staleAfter
		if stale {
			d.Status = wiremsg.PresenceOffline
		}
	}
	return d
}
