package proxy

import (
	"path"
	"strings"
)

// IsMutableTag reports whether a tag matches any configured glob pattern.
// Matching is case-insensitive. Digest references are never mutable and
// never reach this function.
func IsMutableTag(patterns []string, tag string) bool {
	lower := strings.ToLower(tag)
	for _, pattern := range patterns {
		if ok, err := path.Match(strings.ToLower(pattern), lower); err == nil && ok {
			return true
		}
	}
	return false
}

// SplitProxyName decides whether a repository name addresses an upstream.
// A name whose first component is a configured upstream is proxied; a bare
// single-component name is treated as a Docker Hub library image. Anything
// else is a local repository.
func SplitProxyName(name string, hasUpstream func(string) bool) (upstream, image string, ok bool) {
	first, rest, found := strings.Cut(name, "/")
	if found && hasUpstream(first) {
		return first, normalizeImage(first, rest), true
	}
	if !found && hasUpstream("dockerhub") {
		return "dockerhub", "library/" + name, true
	}
	return "", "", false
}

// normalizeImage adds the implicit library namespace for single-component
// Docker Hub images.
func normalizeImage(upstream, image string) string {
	if upstream == "dockerhub" && !strings.Contains(image, "/") {
		return "library/" + image
	}
	return image
}
