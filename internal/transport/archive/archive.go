// Package archive implements manual snapshot import/export as tar.gz
// archives carrying the configuration plus a metadata entry, and keeps
// bounded pre-import backups of the current snapshot.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/flowmesh/worksync/internal/conflict"
	"github.com/flowmesh/worksync/internal/utils"
	"github.com/flowmesh/worksync/internal/version"
)

const (
	configEntry   = "config.json"
	metadataEntry = "metadata.json"

	// guards against decompression bombs in untrusted archives
	maxEntrySize = 64 * 1024 * 1024
)

var (
	ErrNoMetadata       = errors.New("archive missing metadata entry")
	ErrNoConfig         = errors.New("archive missing config entry")
	ErrChecksumMismatch = errors.New("archive checksum mismatch")
)

// Metadata describes an exported archive.
type Metadata struct {
	App        string    `json:"app"`
	AppVersion string    `json:"appVersion"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Checksum   string    `json:"checksum"`
}

// NewMetadata builds metadata for a snapshot about to be exported.
func NewMetadata(snap *conflict.Snapshot, deviceName string) Metadata {
	return Metadata{
		App:        version.AppName,
		AppVersion: version.Version,
		DeviceID:   snap.DeviceID,
		DeviceName: deviceName,
		CreatedAt:  time.Now().UTC(),
		Checksum:   snap.Checksum(),
	}
}

// Export writes the snapshot and its metadata as a tar.gz archive.
func Export(path string, snap *conflict.Snapshot, meta Metadata) error {
	if err := utils.EnsureParent(path); err != nil {
		return fmt.Errorf("archive export: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive export: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)

	configData, err := gojson.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive encode config: %w", err)
	}
	metaData, err := gojson.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("archive encode metadata: %w", err)
	}

	for _, entry := range []struct {
		name string
		data []byte
	}{
		{configEntry, configData},
		{metadataEntry, metaData},
	} {
		hdr := &tar.Header{
			Name:    entry.name,
			Mode:    0o644,
			Size:    int64(len(entry.data)),
			ModTime: meta.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive write %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("archive write %s: %w", entry.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive finalize: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive finalize: %w", err)
	}
	return f.Sync()
}

// Import reads an archive and returns the snapshot and its metadata.
// A metadata checksum that does not match the contained snapshot fails
// with ErrChecksumMismatch.
func Import(path string) (*conflict.Snapshot, *Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("archive import: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("archive import: %w", err)
	}
	defer zr.Close()

	var snap *conflict.Snapshot
	var meta *Metadata

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("archive read: %w", err)
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxEntrySize))
		if err != nil {
			return nil, nil, fmt.Errorf("archive read %s: %w", hdr.Name, err)
		}

		switch hdr.Name {
		case configEntry:
			var s conflict.Snapshot
			if err := gojson.Unmarshal(data, &s); err != nil {
				return nil, nil, fmt.Errorf("archive decode config: %w", err)
			}
			snap = &s
		case metadataEntry:
			var m Metadata
			if err := gojson.Unmarshal(data, &m); err != nil {
				return nil, nil, fmt.Errorf("archive decode metadata: %w", err)
			}
			meta = &m
		}
	}

	if snap == nil {
		return nil, nil, ErrNoConfig
	}
	if meta == nil {
		return nil, nil, ErrNoMetadata
	}
	if meta.Checksum != "" && meta.Checksum != snap.Checksum() {
		return nil, nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, path)
	}
	return snap, meta, nil
}
