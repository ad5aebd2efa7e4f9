// Package clouddir syncs snapshots through a cloud provider's locally
// mounted drop-box folder (iCloud Drive, OneDrive, Dropbox, Google
// Drive). The provider's own daemon moves the file; this transport only
// reads and writes it.
package clouddir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/flowmesh/worksync/internal/channel"
	"github.com/flowmesh/worksync/internal/conflict"
	"github.com/flowmesh/worksync/internal/utils"
)

const configFileName = "config.json.gz"

// Provider identifies a cloud drop-box vendor.
type Provider string

const (
	ICloud      Provider = "icloud"
	OneDrive    Provider = "onedrive"
	Dropbox     Provider = "dropbox"
	GoogleDrive Provider = "googledrive"
	Custom      Provider = "custom"
)

// DisplayName returns the vendor's marketing name.
func (p Provider) DisplayName() string {
	switch p {
	case ICloud:
		return "iCloud Drive"
	case OneDrive:
		return "OneDrive"
	case Dropbox:
		return "Dropbox"
	case GoogleDrive:
		return "Google Drive"
	default:
		return "Custom Folder"
	}
}

// DefaultPath returns the provider's conventional mount point for this
// platform, empty when the provider has none here.
func (p Provider) DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch p {
	case ICloud:
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library/Mobile Documents/com~apple~CloudDocs/WorkSync")
		}
		return ""
	case OneDrive:
		return filepath.Join(home, "OneDrive/WorkSync")
	case Dropbox:
		return filepath.Join(home, "Dropbox/WorkSync")
	case GoogleDrive:
		return filepath.Join(home, "Google Drive/WorkSync")
	default:
		return ""
	}
}

// Config configures a cloud folder transport.
type Config struct {
	Provider Provider
	// Path overrides the provider default folder.
	Path string
	// Cipher, when set, encrypts the stored file.
	Cipher channel.Cipher
}

// Transport implements the coordinator's transport interface over a
// synced folder.
type Transport struct {
	provider Provider
	dir      string
	cipher   channel.Cipher
}

// New creates a cloud folder transport.
func New(cfg Config) (*Transport, error) {
	dir := cfg.Path
	if dir == "" {
		dir = cfg.Provider.DefaultPath()
	}
	if dir == "" {
		return nil, fmt.Errorf("clouddir: no folder for provider %q on this platform", cfg.Provider)
	}
	return &Transport{
		provider: cfg.Provider,
		dir:      dir,
		cipher:   cfg.Cipher,
	}, nil
}

func (t *Transport) Name() string {
	return fmt.Sprintf("clouddir:%s", t.provider)
}

// IsAvailable reports whether the provider folder's parent is mounted.
func (t *Transport) IsAvailable() bool {
	if utils.DirExists(t.dir) {
		return true
	}
	return utils.DirExists(filepath.Dir(t.dir))
}

func (t *Transport) configPath() string {
	return filepath.Join(t.dir, configFileName)
}

// DownloadConfiguration reads the stored snapshot. A missing file means
// no device has seeded this folder yet and returns nil without error.
func (t *Transport) DownloadConfiguration(ctx context.Context) (*conflict.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(t.configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("clouddir read: %w", err)
	}

	if t.cipher != nil {
		if data, err = t.cipher.Decrypt(data); err != nil {
			return nil, fmt.Errorf("clouddir decrypt: %w", err)
		}
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("clouddir decompress: %w", err)
	}
	plain, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return nil, fmt.Errorf("clouddir decompress: %w", err)
	}

	var snap conflict.Snapshot
	if err := gojson.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("clouddir decode: %w", err)
	}
	return &snap, nil
}

// UploadConfiguration writes the snapshot atomically (temp file + rename)
// so the provider daemon never syncs a half-written file.
func (t *Transport) UploadConfiguration(ctx context.Context, snap *conflict.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := utils.EnsureDir(t.dir); err != nil {
		return fmt.Errorf("clouddir mkdir: %w", err)
	}

	plain, err := gojson.Marshal(snap)
	if err != nil {
		return fmt.Errorf("clouddir encode: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(plain); err != nil {
		return fmt.Errorf("clouddir compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("clouddir compress: %w", err)
	}

	data := buf.Bytes()
	if t.cipher != nil {
		if data, err = t.cipher.Encrypt(data); err != nil {
			return fmt.Errorf("clouddir encrypt: %w", err)
		}
	}

	tmp := t.configPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("clouddir write: %w", err)
	}
	if err := os.Rename(tmp, t.configPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("clouddir rename: %w", err)
	}
	return nil
}

// SupportsRealTimeUpdates is false: the folder is polled.
func (t *Transport) SupportsRealTimeUpdates() bool { return false }

// LastModified returns the stored file's mtime.
func (t *Transport) LastModified(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(t.configPath())
	if err != nil {
		return time.Time{}, fmt.Errorf("clouddir stat: %w", err)
	}
	return info.ModTime(), nil
}
