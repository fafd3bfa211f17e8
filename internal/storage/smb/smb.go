// Package smb provides an SMB/CIFS network share storage backend.
// The SMB share must be pre-mounted on the OS (via mount.cifs or fstab).
// This backend delegates to the local filesystem backend at the mount path.
package smb

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/fileserver/internal/logging"
	"github.com/fruitsalade/fileserver/internal/storage/local"
)

// Config holds SMB backend settings.
// Server is kept for log output; actual I/O uses MountPath.
type Config struct {
	Server    string `json:"server"`     // SMB server path (e.g., //server/share)
	MountPath string `json:"mount_path"` // Local mount point where share is mounted
}

// SMBBackend wraps a LocalBackend at the SMB mount point.
type SMBBackend struct {
	*local.LocalBackend
}

// New creates a new SMB backend from the given config. The mount point
// must already exist; creating it would hide an unmounted share.
func New(cfg Config) (*SMBBackend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lb, err := local.New(local.Config{RootPath: cfg.MountPath})
	if err != nil {
		return nil, fmt.Errorf("smb backend at %s: %w", cfg.MountPath, err)
	}

	logging.Info("smb backend ready",
		zap.String("server", cfg.Server),
		zap.String("mount_path", cfg.MountPath))

	return &SMBBackend{
		LocalBackend: lb.WithType("smb"),
	}, nil
}

// NewFromJSON creates an SMBBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*SMBBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

