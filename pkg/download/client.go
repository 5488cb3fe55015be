// Package download owns the download queue: pluggable client adapters, the
// per-download state machine, stall detection, blocklist updates and the
// handoff of finished files to the file pipeline.
package download

import (
	"context"
	"fmt"

	"github.com/kapowarr/kapowarr/pkg/store"
	"github.com/kapowarr/kapowarr/pkg/types"
)

// ExternalClient is the adapter contract for third-party download clients.
// Implementations are stateless across process restarts; handles are
// reconstructed from stored ids.
type ExternalClient interface {
	// Add hands a link to the client. downloadName overrides the name the
	// client gives the download; filename picks a specific file within it.
	Add(ctx context.Context, link, targetFolder, downloadName, filename string) (handle string, err error)

	// Status reports the download's progress. A nil status means the
	// download is gone from the client; a zero-value status means the
	// client doesn't know it (yet).
	Status(ctx context.Context, handle string) (*types.DownloadStatus, error)

	// Delete removes the download from the client, optionally with its
	// files.
	Delete(ctx context.Context, handle string, deleteFiles bool) error

	// Test verifies connectivity and credentials.
	Test(ctx context.Context) error
}

// ClientBuilder constructs an adapter from its stored configuration.
type ClientBuilder func(cfg store.ExternalClient) ExternalClient

// clientBuilders is the hand-registered list of client types.
var clientBuilders = map[string]ClientBuilder{
	"transmission": func(cfg store.ExternalClient) ExternalClient {
		return NewTransmission(cfg)
	},
}

// ClientTypes lists the supported external client types.
func ClientTypes() []string {
	names := make([]string, 0, len(clientBuilders))
	for name := range clientBuilders {
		names = append(names, name)
	}
	return names
}

// BuildClient constructs the adapter for a stored client configuration.
func BuildClient(cfg store.ExternalClient) (ExternalClient, error) {
	builder, ok := clientBuilders[cfg.ClientType]
	if !ok {
		return nil, fmt.Errorf("unknown client type: %s", cfg.ClientType)
	}
	return builder(cfg), nil
}
