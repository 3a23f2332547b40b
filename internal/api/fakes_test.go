package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/repoworker/repoworker/internal/digest"
	"github.com/repoworker/repoworker/internal/storage"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	revisions map[string]map[string][]byte // repo -> digest -> bytes
	tags      map[string]map[string]string // repo -> tag -> digest
	charts    map[string][]byte            // name/version -> bytes

	connErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blobs:     make(map[string][]byte),
		revisions: make(map[string]map[string][]byte),
		tags:      make(map[string]map[string]string),
		charts:    make(map[string][]byte),
	}
}

func (f *fakeStore) CheckConnection(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connErr
}

func (f *fakeStore) BlobExists(ctx context.Context, dgst string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.blobs[dgst]
	return ok, nil
}

func (f *fakeStore) BlobSize(ctx context.Context, dgst string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[dgst]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(data)), nil
}

func (f *fakeStore) GetBlob(ctx context.Context, dgst string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[dgst]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeStore) PutBlob(ctx context.Context, dgst string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if digest.FromBytes(data) != dgst {
		return storage.ErrDigestMismatch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[dgst] = data
	return nil
}

func (f *fakeStore) DeleteBlob(ctx context.Context, dgst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[dgst]; !ok {
		return storage.ErrNotFound
	}
	delete(f.blobs, dgst)
	return nil
}

func (f *fakeStore) GetManifest(ctx context.Context, name, ref string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dgst := ref
	if !digest.IsDigest(ref) {
		d, ok := f.tags[name][ref]
		if !ok {
			return nil, "", storage.ErrNotFound
		}
		dgst = d
	}
	data, ok := f.revisions[name][dgst]
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return data, dgst, nil
}

func (f *fakeStore) PutManifest(ctx context.Context, name, ref string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dgst := digest.FromBytes(data)
	if f.revisions[name] == nil {
		f.revisions[name] = make(map[string][]byte)
	}
	f.revisions[name][dgst] = data

	if !digest.IsDigest(ref) {
		if f.tags[name] == nil {
			f.tags[name] = make(map[string]string)
		}
		f.tags[name][ref] = dgst
	}
	return dgst, nil
}

func (f *fakeStore) DeleteManifest(ctx context.Context, name, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if digest.IsDigest(ref) {
		if _, ok := f.revisions[name][ref]; !ok {
			return storage.ErrNotFound
		}
		delete(f.revisions[name], ref)
		return nil
	}
	if _, ok := f.tags[name][ref]; !ok {
		return storage.ErrNotFound
	}
	delete(f.tags[name], ref)
	return nil
}

func (f *fakeStore) ListTags(ctx context.Context, name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tags := make([]string, 0, len(f.tags[name]))
	for tag := range f.tags[name] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags, nil
}

func (f *fakeStore) ListRepositories(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[string]bool)
	for repo := range f.revisions {
		seen[repo] = true
	}
	for repo := range f.tags {
		seen[repo] = true
	}
	repos := make([]string, 0, len(seen))
	for repo := range seen {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}

func (f *fakeStore) GetChart(ctx context.Context, name, version string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.charts[name+"/"+version]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeStore) PutChart(ctx context.Context, name, version string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charts[name+"/"+version] = data
	return nil
}

func (f *fakeStore) DeleteChart(ctx context.Context, name, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := name + "/" + version
	if _, ok := f.charts[key]; !ok {
		return storage.ErrNotFound
	}
	delete(f.charts, key)
	return nil
}

func (f *fakeStore) ListCharts(ctx context.Context) ([]storage.ChartInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	charts := make([]storage.ChartInfo, 0, len(f.charts))
	for key, data := range f.charts {
		name, version, _ := strings.Cut(key, "/")
		charts = append(charts, storage.ChartInfo{
			Name:     name,
			Version:  version,
			Filename: fmt.Sprintf("%s-%s.tgz", name, version),
			Size:     int64(len(data)),
		})
	}
	sort.Slice(charts, func(i, j int) bool { return charts[i].Filename < charts[j].Filename })
	return charts, nil
}

// fakeProxy is a canned ProxyService.
type fakeProxy struct {
	upstreams map[string]bool
	manifests map[string][]byte // "up/image:ref" -> bytes
	blobs     map[string][]byte // "up/image@dgst" -> bytes

	mu            sync.Mutex
	manifestCalls []string
}

func newFakeProxy(upstreams ...string) *fakeProxy {
	byName := make(map[string]bool, len(upstreams))
	for _, u := range upstreams {
		byName[u] = true
	}
	return &fakeProxy{
		upstreams: byName,
		manifests: make(map[string][]byte),
		blobs:     make(map[string][]byte),
	}
}

func (p *fakeProxy) HasUpstream(name string) bool { return p.upstreams[name] }

func (p *fakeProxy) GetManifest(ctx context.Context, upstream, image, ref string) ([]byte, string, error) {
	key := upstream + "/" + image + ":" + ref
	p.mu.Lock()
	p.manifestCalls = append(p.manifestCalls, key)
	data, ok := p.manifests[key]
	p.mu.Unlock()
	if !ok {
		return nil, "", storage.ErrNotFound
	}
	return data, digest.FromBytes(data), nil
}

func (p *fakeProxy) GetBlob(ctx context.Context, upstream, image, dgst string) (io.ReadCloser, int64, error) {
	p.mu.Lock()
	data, ok := p.blobs[upstream+"/"+image+"@"+dgst]
	p.mu.Unlock()
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (p *fakeProxy) StatBlob(ctx context.Context, upstream, image, dgst string) (int64, error) {
	p.mu.Lock()
	data, ok := p.blobs[upstream+"/"+image+"@"+dgst]
	p.mu.Unlock()
	if !ok {
		return 0, storage.ErrNotFound
	}
	return int64(len(data)), nil
}
