package storage

import (
	"fmt"
	"strings"
)

// Object key layout. Layered deployments read each other's buckets, so the
// exact byte layout is part of the external interface and must not drift.

func blobKey(dgst string) string {
	algo, hex, _ := strings.Cut(dgst, ":")
	return fmt.Sprintf("blobs/%s/%s/%s", algo, hex[:2], hex)
}

func manifestRevisionKey(name, dgst string) string {
	return fmt.Sprintf("repositories/%s/_manifests/revisions/%s/content", name, dgst)
}

func tagLinkKey(name, tag string) string {
	return fmt.Sprintf("repositories/%s/_manifests/tags/%s/link", name, tag)
}

func tagsPrefix(name string) string {
	return fmt.Sprintf("repositories/%s/_manifests/tags/", name)
}

func cacheMetaKey(upstream, image, tag string) string {
	return fmt.Sprintf("cache/%s/%s/%s/meta.json", upstream, image, tag)
}

func chartKey(name, version string) string {
	return fmt.Sprintf("charts/%s/%s-%s.tgz", name, name, version)
}

func proxiedManifestKey(upstream, image, ref string) string {
	return fmt.Sprintf("_proxy/%s/%s/manifests/%s", upstream, image, ref)
}
