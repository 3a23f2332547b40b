package storage

import (
	"testing"
)

func TestKeyLayout(t *testing.T) {
	dgst := "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			"blob key",
			blobKey(dgst),
			"blobs/sha256/e3/e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		{
			"manifest revision key",
			manifestRevisionKey("dockerhub/library/nginx", dgst),
			"repositories/dockerhub/library/nginx/_manifests/revisions/" + dgst + "/content",
		},
		{
			"tag link key",
			tagLinkKey("myrepo", "v1.0"),
			"repositories/myrepo/_manifests/tags/v1.0/link",
		},
		{
			"cache meta key",
			cacheMetaKey("dockerhub", "library/nginx", "latest"),
			"cache/dockerhub/library/nginx/latest/meta.json",
		},
		{
			"chart key",
			chartKey("foo", "1.0.0"),
			"charts/foo/foo-1.0.0.tgz",
		},
		{
			"proxied manifest key",
			proxiedManifestKey("dockerhub", "library/nginx", "latest"),
			"_proxy/dockerhub/library/nginx/manifests/latest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseChartKey(t *testing.T) {
	tests := []struct {
		key     string
		name    string
		version string
		ok      bool
	}{
		{"charts/foo/foo-1.0.0.tgz", "foo", "1.0.0", true},
		{"charts/my-app/my-app-2.1.0-rc.1.tgz", "my-app", "2.1.0-rc.1", true},
		{"charts/foo/bar-1.0.0.tgz", "", "", false},
		{"charts/foo/foo-.tgz", "", "", false},
		{"charts/foo.tgz", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			info, ok := parseChartKey(tt.key)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if info.Name != tt.name || info.Version != tt.version {
				t.Errorf("got %s/%s, want %s/%s", info.Name, info.Version, tt.name, tt.version)
			}
		})
	}
}
