package proxy

import (
	"testing"
)

func TestIsMutableTag(t *testing.T) {
	patterns := []string{"latest", "*nightly*"}

	tests := []struct {
		tag  string
		want bool
	}{
		{"latest", true},
		{"LATEST", true},
		{"nightly", true},
		{"2024-nightly-build", true},
		{"v1.2.3", false},
		{"stable", false},
		{"latest-arm64", false},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			if got := IsMutableTag(patterns, tt.tag); got != tt.want {
				t.Errorf("IsMutableTag(%q) = %v, want %v", tt.tag, got, tt.want)
			}
		})
	}
}

func TestSplitProxyName(t *testing.T) {
	upstreams := map[string]bool{
		"dockerhub": true,
		"ghcr":      true,
		"quay":      true,
	}
	hasUpstream := func(name string) bool { return upstreams[name] }

	tests := []struct {
		name     string
		upstream string
		image    string
		ok       bool
	}{
		{"dockerhub/library/nginx", "dockerhub", "library/nginx", true},
		{"dockerhub/nginx", "dockerhub", "library/nginx", true},
		{"ghcr/org/app", "ghcr", "org/app", true},
		{"quay/coreos/etcd", "quay", "coreos/etcd", true},
		{"nginx", "dockerhub", "library/nginx", true},
		{"myrepo/app", "", "", false},
		{"local/team/service", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, image, ok := SplitProxyName(tt.name, hasUpstream)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if up != tt.upstream || image != tt.image {
				t.Errorf("got (%s, %s), want (%s, %s)", up, image, tt.upstream, tt.image)
			}
		})
	}
}
