package api

import (
	"context"
	"io"

	"github.com/repoworker/repoworker/internal/storage"
)

// Store is the object-store surface the HTTP handlers depend on,
// implemented by storage.S3Store.
type Store interface {
	CheckConnection(ctx context.Context) error

	BlobExists(ctx context.Context, dgst string) (bool, error)
	BlobSize(ctx context.Context, dgst string) (int64, error)
	GetBlob(ctx context.Context, dgst string) (io.ReadCloser, int64, error)
	PutBlob(ctx context.Context, dgst string, r io.Reader) error
	DeleteBlob(ctx context.Context, dgst string) error

	GetManifest(ctx context.Context, name, ref string) ([]byte, string, error)
	PutManifest(ctx context.Context, name, ref string, data []byte) (string, error)
	DeleteManifest(ctx context.Context, name, ref string) error
	ListTags(ctx context.Context, name string) ([]string, error)
	ListRepositories(ctx context.Context) ([]string, error)

	GetChart(ctx context.Context, name, version string) (io.ReadCloser, int64, error)
	PutChart(ctx context.Context, name, version string, data []byte) error
	DeleteChart(ctx context.Context, name, version string) error
	ListCharts(ctx context.Context) ([]storage.ChartInfo, error)
}

// ProxyService is the pull-through cache surface, implemented by
// proxy.Controller. Nil when caching is disabled.
type ProxyService interface {
	HasUpstream(name string) bool
	GetManifest(ctx context.Context, upstream, image, ref string) ([]byte, string, error)
	GetBlob(ctx context.Context, upstream, image, dgst string) (io.ReadCloser, int64, error)
	StatBlob(ctx context.Context, upstream, image, dgst string) (int64, error)
}
