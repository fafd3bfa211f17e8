// Package factory builds a storage.Backend from a type name and JSON config.
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/fileserver/internal/storage"
	"github.com/fruitsalade/fileserver/internal/storage/local"
	"github.com/fruitsalade/fileserver/internal/storage/memory"
	s3backend "github.com/fruitsalade/fileserver/internal/storage/s3"
	"github.com/fruitsalade/fileserver/internal/storage/smb"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	case "smb":
		return smb.NewFromJSON(config)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}
