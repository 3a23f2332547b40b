package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/repoworker/repoworker/internal/config"
	"github.com/repoworker/repoworker/internal/digest"
	"github.com/repoworker/repoworker/internal/logger"
	"github.com/repoworker/repoworker/internal/metrics"
	"github.com/repoworker/repoworker/internal/storage"
	"github.com/repoworker/repoworker/internal/upstream"
)

// blobFetchConcurrency bounds parallel layer downloads during a manifest
// cache fill.
const blobFetchConcurrency = 5

// Store is the slice of the object-store surface the controller needs.
type Store interface {
	GetProxiedManifest(ctx context.Context, upstream, image, ref string) ([]byte, error)
	PutProxiedManifest(ctx context.Context, upstream, image, ref, dgst string, data []byte) error
	GetCacheMeta(ctx context.Context, upstream, image, tag string) (*storage.CacheMeta, error)
	PutCacheMeta(ctx context.Context, upstream, image, tag string, meta *storage.CacheMeta) error
	BlobExists(ctx context.Context, dgst string) (bool, error)
	BlobSize(ctx context.Context, dgst string) (int64, error)
	GetBlob(ctx context.Context, dgst string) (io.ReadCloser, int64, error)
	PutBlob(ctx context.Context, dgst string, r io.Reader) error
}

// Upstream is the client surface the controller drives.
type Upstream interface {
	Name() string
	HeadManifest(ctx context.Context, image, ref string) (string, error)
	GetManifest(ctx context.Context, image, ref string) ([]byte, string, string, error)
	HeadBlob(ctx context.Context, image, dgst string) (int64, error)
	GetBlob(ctx context.Context, image, dgst string) (io.ReadCloser, int64, error)
}

// Controller implements the pull-through cache with stale-while-revalidate
// for mutable tags.
type Controller struct {
	store     Store
	upstreams map[string]Upstream
	patterns  []string
	logger    *logrus.Entry
	metrics   *metrics.Registry

	refreshes singleflight.Group
	blobSem   *semaphore.Weighted

	bg       context.Context
	cancelBg context.CancelFunc
	tasks    sync.WaitGroup
}

func NewController(store Store, upstreams []Upstream, cfg config.CacheConfig, log *logrus.Logger) *Controller {
	byName := make(map[string]Upstream, len(upstreams))
	for _, u := range upstreams {
		byName[u.Name()] = u
	}

	bg, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:     store,
		upstreams: byName,
		patterns:  cfg.MutableTagPatterns,
		logger:    logger.ForComponent(log, "proxy"),
		blobSem:   semaphore.NewWeighted(blobFetchConcurrency),
		bg:        bg,
		cancelBg:  cancel,
	}
}

// WithMetrics attaches a metrics registry. The zero value (nil) disables
// instrumentation.
func (c *Controller) WithMetrics(r *metrics.Registry) *Controller {
	c.metrics = r
	return c
}

// Close cancels background refresh and prefetch tasks and waits for them.
func (c *Controller) Close() {
	c.cancelBg()
	c.tasks.Wait()
}

// HasUpstream reports whether an upstream is configured under this name.
func (c *Controller) HasUpstream(name string) bool {
	_, ok := c.upstreams[name]
	return ok
}

// GetManifest serves a proxied manifest request, filling or revalidating
// the cache as required. The returned digest identifies the served bytes.
func (c *Controller) GetManifest(ctx context.Context, upstreamName, image, ref string) ([]byte, string, error) {
	up, ok := c.upstreams[upstreamName]
	if !ok {
		return nil, "", fmt.Errorf("upstream %s: %w", upstreamName, storage.ErrNotFound)
	}

	if digest.IsDigest(ref) {
		return c.getByDigest(ctx, up, image, ref)
	}
	return c.getByTag(ctx, up, image, ref)
}

// getByDigest is purely content-addressable: cached forever, fetched once.
func (c *Controller) getByDigest(ctx context.Context, up Upstream, image, ref string) ([]byte, string, error) {
	if data, err := c.store.GetProxiedManifest(ctx, up.Name(), image, ref); err == nil {
		c.metrics.Inc(metrics.ClassProxyHit)
		return data, ref, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", err
	}

	c.metrics.Inc(metrics.ClassProxyMiss)
	data, _, _, err := up.GetManifest(ctx, image, ref)
	if err != nil {
		return nil, "", c.mapFetchError(err, up.Name(), image, ref)
	}
	if computed := digest.FromBytes(data); computed != ref {
		return nil, "", fmt.Errorf("upstream served %s for requested %s: %w", computed, ref, storage.ErrDigestMismatch)
	}

	if err := c.store.PutProxiedManifest(ctx, up.Name(), image, ref, ref, data); err != nil {
		return nil, "", err
	}
	c.spawnBlobPrefetch(up, image, data)
	return data, ref, nil
}

func (c *Controller) getByTag(ctx context.Context, up Upstream, image, tag string) ([]byte, string, error) {
	meta, err := c.store.GetCacheMeta(ctx, up.Name(), image, tag)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", err
		}
		return c.fillTag(ctx, up, image, tag)
	}

	cached, err := c.store.GetProxiedManifest(ctx, up.Name(), image, tag)
	if err != nil {
		// Metadata without content: written meta can precede visible
		// content under eventual consistency, treat as a miss.
		if errors.Is(err, storage.ErrNotFound) {
			return c.fillTag(ctx, up, image, tag)
		}
		return nil, "", err
	}

	c.metrics.Inc(metrics.ClassProxyHit)
	if meta.Mutable {
		c.scheduleRefresh(up, image, tag, meta)
	}
	return cached, meta.Digest, nil
}

// fillTag performs the synchronous first fetch for an uncached tag.
func (c *Controller) fillTag(ctx context.Context, up Upstream, image, tag string) ([]byte, string, error) {
	c.metrics.Inc(metrics.ClassProxyMiss)
	data, dgst, _, err := up.GetManifest(ctx, image, tag)
	if err != nil {
		return nil, "", c.mapFetchError(err, up.Name(), image, tag)
	}

	if err := c.store.PutProxiedManifest(ctx, up.Name(), image, tag, dgst, data); err != nil {
		return nil, "", err
	}

	now := time.Now().Unix()
	meta := &storage.CacheMeta{
		Digest:           dgst,
		Mutable:          IsMutableTag(c.patterns, tag),
		LastCheckEpoch:   now,
		LastUpdatedEpoch: now,
	}
	if err := c.store.PutCacheMeta(ctx, up.Name(), image, tag, meta); err != nil {
		return nil, "", err
	}

	c.spawnBlobPrefetch(up, image, data)
	return data, dgst, nil
}

// mapFetchError keeps auth failures visible as 502-class errors while a
// plain miss or unreachable upstream surfaces as 404 when nothing is
// cached.
func (c *Controller) mapFetchError(err error, upstreamName, image, ref string) error {
	if errors.Is(err, upstream.ErrAuthFailed) {
		return err
	}
	if errors.Is(err, upstream.ErrNotFound) {
		return fmt.Errorf("%s/%s:%s: %w", upstreamName, image, ref, storage.ErrNotFound)
	}
	c.logger.WithError(err).Warnf("Upstream fetch failed for %s/%s:%s", upstreamName, image, ref)
	return fmt.Errorf("%s/%s:%s unavailable: %w", upstreamName, image, ref, storage.ErrNotFound)
}

// scheduleRefresh starts a background revalidation unless one is already
// in flight for this (upstream, image, tag). The task is registered with
// the wait group before the singleflight call so Close cannot observe an
// empty group while a refresh is still being scheduled.
func (c *Controller) scheduleRefresh(up Upstream, image, tag string, meta *storage.CacheMeta) {
	key := fmt.Sprintf("%s/%s:%s", up.Name(), image, tag)
	c.tasks.Add(1)
	ch := c.refreshes.DoChan(key, func() (interface{}, error) {
		defer c.refreshes.Forget(key)
		c.refresh(c.bg, up, image, tag, meta)
		return nil, nil
	})
	go func() {
		defer c.tasks.Done()
		<-ch
	}()
}

// refresh revalidates one mutable tag: HEAD first, GET only when the
// digest moved. Errors never invalidate the cached entry.
func (c *Controller) refresh(ctx context.Context, up Upstream, image, tag string, meta *storage.CacheMeta) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	c.metrics.Inc(metrics.ClassProxyRevalidate)
	newDigest, err := up.HeadManifest(ctx, image, tag)
	if err != nil {
		c.logger.WithError(err).Warnf("Revalidation HEAD failed for %s/%s:%s", up.Name(), image, tag)
		return
	}

	now := time.Now().Unix()
	if newDigest == "" || newDigest == meta.Digest {
		updated := *meta
		updated.LastCheckEpoch = now
		if err := c.store.PutCacheMeta(ctx, up.Name(), image, tag, &updated); err != nil {
			c.logger.WithError(err).Warnf("Failed to record revalidation for %s/%s:%s", up.Name(), image, tag)
		}
		return
	}

	data, dgst, _, err := up.GetManifest(ctx, image, tag)
	if err != nil {
		c.logger.WithError(err).Warnf("Revalidation GET failed for %s/%s:%s", up.Name(), image, tag)
		return
	}
	if err := c.store.PutProxiedManifest(ctx, up.Name(), image, tag, dgst, data); err != nil {
		c.logger.WithError(err).Warnf("Failed to store refreshed manifest for %s/%s:%s", up.Name(), image, tag)
		return
	}

	updated := storage.CacheMeta{
		Digest:           dgst,
		Mutable:          meta.Mutable,
		LastCheckEpoch:   now,
		LastUpdatedEpoch: now,
	}
	if err := c.store.PutCacheMeta(ctx, up.Name(), image, tag, &updated); err != nil {
		c.logger.WithError(err).Warnf("Failed to store refreshed metadata for %s/%s:%s", up.Name(), image, tag)
		return
	}

	c.logger.Infof("Refreshed %s/%s:%s to %s", up.Name(), image, tag, dgst)
	c.spawnBlobPrefetch(up, image, data)
}

// GetBlob serves a proxied blob, caching it on first fetch. Blobs are
// content-addressed and shared with locally pushed content.
func (c *Controller) GetBlob(ctx context.Context, upstreamName, image, dgst string) (io.ReadCloser, int64, error) {
	up, ok := c.upstreams[upstreamName]
	if !ok {
		return nil, 0, fmt.Errorf("upstream %s: %w", upstreamName, storage.ErrNotFound)
	}

	if exists, err := c.store.BlobExists(ctx, dgst); err == nil && exists {
		return c.store.GetBlob(ctx, dgst)
	}

	// Stream the upstream body straight into the store; the blob is never
	// held in memory whole.
	body, _, err := up.GetBlob(ctx, image, dgst)
	if err != nil {
		return nil, 0, c.mapFetchError(err, upstreamName, image, dgst)
	}
	err = c.store.PutBlob(ctx, dgst, body)
	body.Close()
	if err != nil {
		if errors.Is(err, storage.ErrDigestMismatch) {
			return nil, 0, fmt.Errorf("upstream blob %s: %w", dgst, err)
		}
		// Cache fill failed for store-side reasons; serve directly from
		// the upstream instead.
		c.logger.WithError(err).Warnf("Failed to cache blob %s", dgst)
		stream, size, err := up.GetBlob(ctx, image, dgst)
		if err != nil {
			return nil, 0, c.mapFetchError(err, upstreamName, image, dgst)
		}
		return stream, size, nil
	}
	return c.store.GetBlob(ctx, dgst)
}

// StatBlob reports a proxied blob's size, preferring the local store and
// falling back to an upstream HEAD without caching anything.
func (c *Controller) StatBlob(ctx context.Context, upstreamName, image, dgst string) (int64, error) {
	up, ok := c.upstreams[upstreamName]
	if !ok {
		return 0, fmt.Errorf("upstream %s: %w", upstreamName, storage.ErrNotFound)
	}

	if exists, err := c.store.BlobExists(ctx, dgst); err == nil && exists {
		return c.store.BlobSize(ctx, dgst)
	}

	size, err := up.HeadBlob(ctx, image, dgst)
	if err != nil {
		return 0, c.mapFetchError(err, upstreamName, image, dgst)
	}
	return size, nil
}

// spawnBlobPrefetch caches the config and layer blobs referenced by a
// manifest in the background.
func (c *Controller) spawnBlobPrefetch(up Upstream, image string, manifestBytes []byte) {
	descriptors := manifestDescriptors(manifestBytes)
	if len(descriptors) == 0 {
		return
	}

	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		for _, desc := range descriptors {
			if err := c.blobSem.Acquire(c.bg, 1); err != nil {
				return
			}
			c.tasks.Add(1)
			go func(dgst string) {
				defer c.tasks.Done()
				defer c.blobSem.Release(1)
				c.prefetchBlob(up, image, dgst)
			}(desc)
		}
	}()
}

func (c *Controller) prefetchBlob(up Upstream, image, dgst string) {
	ctx, cancel := context.WithTimeout(c.bg, 30*time.Second)
	defer cancel()

	if exists, err := c.store.BlobExists(ctx, dgst); err == nil && exists {
		return
	}

	body, _, err := up.GetBlob(ctx, image, dgst)
	if err != nil {
		c.logger.WithError(err).Debugf("Blob prefetch fetch failed for %s", dgst)
		return
	}
	defer body.Close()

	if err := c.store.PutBlob(ctx, dgst, body); err != nil {
		c.logger.WithError(err).Debugf("Blob prefetch store failed for %s", dgst)
	}
}

// manifestDescriptors extracts the config and layer digests from an image
// manifest. Image indexes carry no blobs themselves; their sub-manifests
// are fetched on demand.
func manifestDescriptors(data []byte) []string {
	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}

	var digests []string
	if manifest.Config.Digest != "" {
		digests = append(digests, manifest.Config.Digest.String())
	}
	for _, layer := range manifest.Layers {
		if layer.Digest != "" {
			digests = append(digests, layer.Digest.String())
		}
	}
	return digests
}
