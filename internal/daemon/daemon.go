// Package daemon assembles the sync engine: sqlite-backed offline queue
// and device registry, the real-time channel, the conflict detector, the
// sync coordinator and its transports.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/flowmesh/worksync/internal/channel"
	"github.com/flowmesh/worksync/internal/config"
	"github.com/flowmesh/worksync/internal/conflict"
	"github.com/flowmesh/worksync/internal/db"
	"github.com/flowmesh/worksync/internal/syncer"
	"github.com/flowmesh/worksync/internal/transport/archive"
	"github.com/flowmesh/worksync/internal/transport/clouddir"
	"github.com/flowmesh/worksync/internal/vclock"
	"github.com/flowmesh/worksync/internal/version"
	"github.com/flowmesh/worksync/internal/wiremsg"
	"github.com/flowmesh/worksync/internal/wsproto"
)

var capabilities = []string{"config_sync", "presence", "conflict_resolution"}

// Daemon is the assembled sync engine for one device.
type Daemon struct {
	cfg      *config.Config
	db       *sqlx.DB
	channel  *channel.Channel
	registry *channel.Registry
	detector *conflict.Detector
	coord    *syncer.Coordinator
	backups  *archive.BackupManager
}

// New wires the engine from a validated config. Nothing connects until
// Run.
func New(cfg *config.Config) (*Daemon, error) {
	sdb, err := db.NewSqliteDb(db.WithPath(cfg.DBPath()))
	if err != nil {
		return nil, fmt.Errorf("daemon: open db: %w", err)
	}

	queue, err := channel.NewOfflineQueue(sdb, cfg.QueueLimit)
	if err != nil {
		sdb.Close()
		return nil, fmt.Errorf("daemon: %w", err)
	}
	registry, err := channel.NewRegistry(sdb, 0)
	if err != nil {
		sdb.Close()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	detector := conflict.NewDetector(cfg.DeviceID)

	backups, err := archive.NewBackupManager(cfg.BackupDir(), cfg.BackupRetain)
	if err != nil {
		sdb.Close()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		db:       sdb,
		registry: registry,
		detector: detector,
		backups:  backups,
	}

	ch, err := channel.New(channel.Config{
		URL:                  cfg.ServerURL + "/api/v1/sync",
		DeviceID:             cfg.DeviceID,
		UserID:               cfg.UserID,
		DeviceName:           cfg.DeviceName,
		Platform:             runtime.GOOS,
		Version:              version.Version,
		Capabilities:         capabilities,
		Encoding:             encodingFor(cfg.Encoding),
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Queue:                queue,
		Registry:             registry,
	}, channel.Events{
		StateChanged: func(s channel.State) {
			slog.Info("channel state", "state", s)
		},
		ReconnectFailed: func(err error) {
			slog.Error("channel gave up reconnecting", "error", err)
		},
	})
	if err != nil {
		sdb.Close()
		return nil, fmt.Errorf("daemon: %w", err)
	}
	d.channel = ch

	d.coord = syncer.NewCoordinator(syncer.Config{
		DeviceID:     cfg.DeviceID,
		Policy:       syncer.Policy(cfg.ConflictResolution),
		AutoSync:     cfg.AutoSync,
		SyncInterval: cfg.SyncInterval,
	}, detector, d.buildTransports(), syncer.Events{
		SyncCompleted: func(s *syncer.Session) {
			if s.Changes > 0 {
				d.publishSnapshot(context.Background())
			}
		},
		ConflictsDetected: func(cs []*conflict.Conflict) {
			slog.Warn("conflicts awaiting resolution", "count", len(cs))
		},
	})

	detector.SetEvents(conflict.Events{
		ConflictResolved: func(c *conflict.Conflict) {
			d.publishResolution(context.Background(), c)
		},
	})

	d.wireChannelHandlers()
	return d, nil
}

func encodingFor(name string) wsproto.Encoding {
	return wsproto.PreferredEncoding(name)
}

func (d *Daemon) buildTransports() []syncer.Transport {
	var transports []syncer.Transport

	if d.cfg.CloudProvider != "" {
		cloud, err := clouddir.New(clouddir.Config{
			Provider: clouddir.Provider(d.cfg.CloudProvider),
			Path:     d.cfg.CloudPath,
		})
		if err != nil {
			slog.Warn("cloud transport disabled", "error", err)
		} else {
			transports = append(transports, cloud)
		}
	}

	return transports
}

// wireChannelHandlers routes real-time messages into the engine.
func (d *Daemon) wireChannelHandlers() {
	d.channel.On(wiremsg.MsgDataSync, func(msg *wiremsg.Message) {
		payload, err := wiremsg.DecodePayload[wiremsg.DataSync](msg)
		if err != nil {
			slog.Warn("data_sync decode", "from", msg.DeviceID, "error", err)
			return
		}

		var snap conflict.Snapshot
		if err := gojson.Unmarshal(payload.Config, &snap); err != nil {
			slog.Warn("data_sync snapshot", "from", msg.DeviceID, "error", err)
			return
		}
		if len(snap.VectorClock) == 0 && len(payload.VectorClock) > 0 {
			snap.VectorClock = vclock.Clock(payload.VectorClock)
		}

		res, err := d.coord.ApplyRemoteSnapshot(&snap)
		if err != nil {
			slog.Warn("data_sync apply", "from", msg.DeviceID, "error", err)
			return
		}
		slog.Info("data_sync applied", "from", msg.DeviceID, "changes", res.Changes, "conflicts", len(res.Conflicts))
	})

	d.channel.On(wiremsg.MsgConflictResolution, func(msg *wiremsg.Message) {
		payload, err := wiremsg.DecodePayload[wiremsg.ConflictResolution](msg)
		if err != nil {
			slog.Warn("conflict_resolution decode", "from", msg.DeviceID, "error", err)
			return
		}

		_, err = d.detector.ResolveConflict(conflict.ResolveRequest{
			ConflictID:  payload.ConflictID,
			Resolution:  conflict.Resolution(payload.Resolution),
			MergedValue: gojson.RawMessage(payload.ResolvedValue),
		})
		if err != nil {
			slog.Warn("conflict_resolution apply", "conflict", payload.ConflictID, "error", err)
		}
	})
}

// publishSnapshot pushes the current snapshot to peers over the channel.
func (d *Daemon) publishSnapshot(ctx context.Context) {
	snap := d.detector.Current()
	if snap == nil {
		return
	}

	data, err := gojson.Marshal(snap)
	if err != nil {
		slog.Warn("publish snapshot", "error", err)
		return
	}

	msg, err := wiremsg.New(wiremsg.MsgDataSync, d.cfg.DeviceID, d.cfg.UserID, wiremsg.DataSync{
		Scope:       "full",
		Config:      data,
		VectorClock: map[string]uint64(snap.VectorClock),
	})
	if err != nil {
		slog.Warn("publish snapshot", "error", err)
		return
	}

	if err := d.channel.Send(ctx, msg); err != nil {
		slog.Warn("publish snapshot", "error", err)
	}
}

// publishResolution tells peers how a conflict was settled.
func (d *Daemon) publishResolution(ctx context.Context, c *conflict.Conflict) {
	msg, err := wiremsg.New(wiremsg.MsgConflictResolution, d.cfg.DeviceID, d.cfg.UserID, wiremsg.ConflictResolution{
		ConflictID: c.ID,
		Resolution: string(c.Resolution),
	})
	if err != nil {
		return
	}
	msg.Priority = wiremsg.PriorityHigh

	if err := d.channel.Send(ctx, msg); err != nil {
		slog.Warn("publish resolution", "conflict", c.ID, "error", err)
	}
}

// Initialize adopts the given snapshot as the authoritative local config.
func (d *Daemon) Initialize(snap *conflict.Snapshot) error {
	return d.detector.Initialize(snap)
}

// Coordinator exposes the sync coordinator for host integration.
func (d *Daemon) Coordinator() *syncer.Coordinator { return d.coord }

// Channel exposes the realtime channel.
func (d *Daemon) Channel() *channel.Channel { return d.channel }

// Detector exposes the conflict detector.
func (d *Daemon) Detector() *conflict.Detector { return d.detector }

// Registry exposes the device registry.
func (d *Daemon) Registry() *channel.Registry { return d.registry }

// Export writes the current snapshot as a tar.gz archive.
func (d *Daemon) Export(path string) error {
	snap := d.detector.Current()
	if snap == nil {
		return conflict.ErrNotInitialized
	}
	return archive.Export(path, snap, archive.NewMetadata(snap, d.cfg.DeviceName))
}

// Import backs up the current snapshot, then feeds the archived one
// through the engine like any remote snapshot.
func (d *Daemon) Import(path string) (*conflict.SyncResult, error) {
	snap, meta, err := archive.ImportWithBackup(path, d.detector.Current(), d.backups, d.cfg.DeviceName)
	if err != nil {
		return nil, err
	}
	slog.Info("archive imported", "from_device", meta.DeviceID, "created", meta.CreatedAt)
	return d.coord.ApplyRemoteSnapshot(snap)
}

// Run connects the channel and starts the auto-sync schedule, then
// blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("worksync starting",
		"device", d.cfg.DeviceID,
		"user", d.cfg.UserID,
		"server", d.cfg.ServerURL,
		"version", version.Version,
	)

	if err := d.channel.Connect(ctx); err != nil {
		// the channel keeps retrying on its own once connected; a cold
		// start against an unreachable server is surfaced
		slog.Warn("initial connect failed, transports continue", "error", err)
	}

	if d.cfg.AutoSync {
		d.coord.StartAutoSync(d.cfg.SyncInterval)
	}

	<-ctx.Done()
	return d.Close()
}

// Close tears the engine down.
func (d *Daemon) Close() error {
	d.coord.Cleanup()
	if err := d.channel.Close(); err != nil {
		slog.Warn("channel close", "error", err)
	}

	// give the unregister message a moment to flush
	time.Sleep(100 * time.Millisecond)
	return d.db.Close()
}
