package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/repoworker/repoworker/internal/digest"
	"github.com/repoworker/repoworker/internal/logger"
	"github.com/repoworker/repoworker/internal/metrics"
	"github.com/repoworker/repoworker/internal/proxy"
	"github.com/repoworker/repoworker/internal/storage"
)

// OCI error codes surfaced in the error envelope.
const (
	codeBlobUnknown       = "BLOB_UNKNOWN"
	codeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	codeManifestUnknown   = "MANIFEST_UNKNOWN"
	codeDigestInvalid     = "DIGEST_INVALID"
	codeNameInvalid       = "NAME_INVALID"
	codeUnauthorized      = "UNAUTHORIZED"
	codeDenied            = "DENIED"
	codeUnsupported       = "UNSUPPORTED"
)

// DockerRegistryHandler implements the OCI Distribution v2 surface.
type DockerRegistryHandler struct {
	store    Store
	proxy    ProxyService
	sessions *uploadSessionTable
	metrics  *metrics.Registry
	logger   *logrus.Entry
}

func NewDockerRegistryHandler(store Store, proxySvc ProxyService, sessions *uploadSessionTable, reg *metrics.Registry, log *logrus.Logger) *DockerRegistryHandler {
	return &DockerRegistryHandler{
		store:    store,
		proxy:    proxySvc,
		sessions: sessions,
		metrics:  reg,
		logger:   logger.ForComponent(log, "registry"),
	}
}

// RegisterRoutes sets up the Docker Registry v2 API routes.
func (h *DockerRegistryHandler) RegisterRoutes(v2 *mux.Router) {
	v2.HandleFunc("/", h.handleAPIVersion).Methods("GET")

	v2.HandleFunc("/_catalog", h.handleCatalog).Methods("GET")

	v2.HandleFunc("/{name:.*}/manifests/{reference}", h.handleHeadManifest).Methods("HEAD")
	v2.HandleFunc("/{name:.*}/manifests/{reference}", h.handleGetManifest).Methods("GET")
	v2.HandleFunc("/{name:.*}/manifests/{reference}", h.handlePutManifest).Methods("PUT")
	v2.HandleFunc("/{name:.*}/manifests/{reference}", h.handleDeleteManifest).Methods("DELETE")

	v2.HandleFunc("/{name:.*}/blobs/uploads/", h.handleInitiateBlobUpload).Methods("POST")
	v2.HandleFunc("/{name:.*}/blobs/uploads/{uuid}", h.handlePatchBlobUpload).Methods("PATCH")
	v2.HandleFunc("/{name:.*}/blobs/uploads/{uuid}", h.handleCompleteBlobUpload).Methods("PUT")
	v2.HandleFunc("/{name:.*}/blobs/uploads/{uuid}", h.handleBlobUploadStatus).Methods("GET")
	v2.HandleFunc("/{name:.*}/blobs/uploads/{uuid}", h.handleCancelBlobUpload).Methods("DELETE")

	v2.HandleFunc("/{name:.*}/blobs/{digest}", h.handleHeadBlob).Methods("HEAD")
	v2.HandleFunc("/{name:.*}/blobs/{digest}", h.handleGetBlob).Methods("GET")
	v2.HandleFunc("/{name:.*}/blobs/{digest}", h.handleDeleteBlob).Methods("DELETE")

	v2.HandleFunc("/{name:.*}/tags/list", h.handleListTags).Methods("GET")
}

func (h *DockerRegistryHandler) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

// --- manifests ---

func (h *DockerRegistryHandler) handleHeadManifest(w http.ResponseWriter, r *http.Request) {
	h.serveManifest(w, r, false)
}

func (h *DockerRegistryHandler) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	h.serveManifest(w, r, true)
}

func (h *DockerRegistryHandler) serveManifest(w http.ResponseWriter, r *http.Request, withBody bool) {
	defer h.metrics.Timer(metrics.ClassManifestGet)()

	vars := mux.Vars(r)
	name := vars["name"]
	reference := vars["reference"]

	if !h.validName(w, name) || !h.validReference(w, reference) {
		return
	}

	data, dgst, err := h.fetchManifest(r, name, reference)
	if err != nil {
		h.manifestError(w, err)
		return
	}

	w.Header().Set("Docker-Content-Digest", dgst)
	w.Header().Set("Content-Type", manifestMediaType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if withBody {
		w.Write(data)
	}
}

func (h *DockerRegistryHandler) handlePutManifest(w http.ResponseWriter, r *http.Request) {
	defer h.metrics.Timer(metrics.ClassManifestPut)()

	vars := mux.Vars(r)
	name := vars["name"]
	reference := vars["reference"]

	// Writes always target local storage under the literal name.
	if !h.validName(w, name) || !h.validReference(w, reference) {
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeManifestUnknown, "failed to read manifest body")
		return
	}

	dgst, err := h.store.PutManifest(r.Context(), name, reference, data)
	if err != nil {
		h.logger.WithError(err).Errorf("Failed to store manifest %s:%s", name, reference)
		h.respondWithError(w, http.StatusServiceUnavailable, codeUnsupported, "storage unavailable")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", name, dgst))
	w.Header().Set("Docker-Content-Digest", dgst)
	w.WriteHeader(http.StatusCreated)
}

func (h *DockerRegistryHandler) handleDeleteManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	reference := vars["reference"]

	if !h.validName(w, name) || !h.validReference(w, reference) {
		return
	}

	if err := h.store.DeleteManifest(r.Context(), name, reference); err != nil {
		h.manifestError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- blobs ---

func (h *DockerRegistryHandler) handleHeadBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	dgst := vars["digest"]

	if !h.validName(w, name) || !h.validDigest(w, dgst) {
		return
	}

	var (
		size int64
		err  error
	)
	if upstreamName, image, proxied := h.proxied(name); proxied {
		size, err = h.proxy.StatBlob(r.Context(), upstreamName, image, dgst)
	} else {
		size, err = h.store.BlobSize(r.Context(), dgst)
	}
	if err != nil {
		h.blobError(w, err)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", dgst)
	w.WriteHeader(http.StatusOK)
}

func (h *DockerRegistryHandler) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	defer h.metrics.Timer(metrics.ClassBlobGet)()

	vars := mux.Vars(r)
	name := vars["name"]
	dgst := vars["digest"]

	if !h.validName(w, name) || !h.validDigest(w, dgst) {
		return
	}

	var (
		body io.ReadCloser
		size int64
		err  error
	)
	if upstreamName, image, proxied := h.proxied(name); proxied {
		body, size, err = h.proxy.GetBlob(r.Context(), upstreamName, image, dgst)
	} else {
		body, size, err = h.store.GetBlob(r.Context(), dgst)
	}
	if err != nil {
		h.blobError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", dgst)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

func (h *DockerRegistryHandler) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	dgst := vars["digest"]

	if !h.validName(w, name) || !h.validDigest(w, dgst) {
		return
	}

	if err := h.store.DeleteBlob(r.Context(), dgst); err != nil {
		h.blobError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- blob uploads ---

// handleInitiateBlobUpload starts a session, or completes a monolithic
// upload in one request when ?digest= is present.
func (h *DockerRegistryHandler) handleInitiateBlobUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	if !h.validName(w, name) {
		return
	}

	if dgst := r.URL.Query().Get("digest"); dgst != "" {
		h.finishBlobUpload(w, r, name, dgst, nil)
		return
	}

	session := h.sessions.create(name)
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, session.ID))
	w.Header().Set("Range", "0-0")
	w.Header().Set("Docker-Upload-UUID", session.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (h *DockerRegistryHandler) handlePatchBlobUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	id := vars["uuid"]

	chunk, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeBlobUploadUnknown, "failed to read chunk")
		return
	}

	offset, ok := h.sessions.appendChunk(id, chunk)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, codeBlobUploadUnknown, "upload session not found")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	w.Header().Set("Range", fmt.Sprintf("0-%d", offset))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusAccepted)
}

// handleCompleteBlobUpload verifies the concatenated chunks against the
// declared digest and commits the blob. The session is consumed either
// way.
func (h *DockerRegistryHandler) handleCompleteBlobUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	id := vars["uuid"]

	dgst := r.URL.Query().Get("digest")
	if dgst == "" {
		h.respondWithError(w, http.StatusBadRequest, codeDigestInvalid, "digest query parameter required")
		return
	}

	finalChunk, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeBlobUploadUnknown, "failed to read final chunk")
		return
	}

	body, _, ok := h.sessions.take(id)
	if !ok {
		// A repeated PUT after the session was consumed can still carry a
		// complete body; verify it like a monolithic upload so re-pushing
		// an existing blob stays idempotent.
		if len(finalChunk) == 0 {
			h.respondWithError(w, http.StatusNotFound, codeBlobUploadUnknown, "upload session not found")
			return
		}
		body = finalChunk
	} else if len(finalChunk) > 0 {
		body = append(body, finalChunk...)
	}

	h.finishBlobUpload(w, r, name, dgst, body)
}

func (h *DockerRegistryHandler) finishBlobUpload(w http.ResponseWriter, r *http.Request, name, dgst string, body []byte) {
	defer h.metrics.Timer(metrics.ClassBlobPut)()

	if _, err := digest.Parse(dgst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
		return
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = r.Body
	}

	if err := h.store.PutBlob(r.Context(), dgst, reader); err != nil {
		if errors.Is(err, storage.ErrDigestMismatch) {
			h.respondWithError(w, http.StatusBadRequest, codeDigestInvalid, "content does not match digest")
			return
		}
		h.logger.WithError(err).Errorf("Failed to store blob %s", dgst)
		h.respondWithError(w, http.StatusServiceUnavailable, codeUnsupported, "storage unavailable")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, dgst))
	w.Header().Set("Docker-Content-Digest", dgst)
	w.WriteHeader(http.StatusCreated)
}

func (h *DockerRegistryHandler) handleBlobUploadStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	id := vars["uuid"]

	offset, ok := h.sessions.offsetOf(id)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, codeBlobUploadUnknown, "upload session not found")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	w.Header().Set("Range", fmt.Sprintf("0-%d", offset))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *DockerRegistryHandler) handleCancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["uuid"]

	if !h.sessions.delete(id) {
		h.respondWithError(w, http.StatusNotFound, codeBlobUploadUnknown, "upload session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- listings ---

func (h *DockerRegistryHandler) handleListTags(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !h.validName(w, name) {
		return
	}

	tags, err := h.store.ListTags(r.Context(), name)
	if err != nil {
		h.logger.WithError(err).Errorf("Failed to list tags for %s", name)
		h.respondWithError(w, http.StatusServiceUnavailable, codeUnsupported, "storage unavailable")
		return
	}

	tags, err = paginate(tags, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeUnsupported, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name": name,
		"tags": tags,
	})
}

func (h *DockerRegistryHandler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListRepositories(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list repositories")
		h.respondWithError(w, http.StatusServiceUnavailable, codeUnsupported, "storage unavailable")
		return
	}

	repos, err = paginate(repos, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeUnsupported, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"repositories": repos,
	})
}

// paginate applies the ?n and ?last query parameters to a sorted list.
// ?last elides entries up to and including the named entry.
func paginate(items []string, r *http.Request) ([]string, error) {
	sort.Strings(items)

	if last := r.URL.Query().Get("last"); last != "" {
		idx := sort.SearchStrings(items, last)
		if idx < len(items) && items[idx] == last {
			idx++
		}
		items = items[idx:]
	}

	if nParam := r.URL.Query().Get("n"); nParam != "" {
		n, err := strconv.Atoi(nParam)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid pagination parameter n=%q", nParam)
		}
		if n < len(items) {
			items = items[:n]
		}
	}

	if items == nil {
		items = []string{}
	}
	return items, nil
}

// --- helpers ---

// proxied reports whether reads of this repository go through the cache
// controller.
func (h *DockerRegistryHandler) proxied(name string) (upstreamName, image string, ok bool) {
	if h.proxy == nil {
		return "", "", false
	}
	return proxy.SplitProxyName(name, h.proxy.HasUpstream)
}

// fetchManifest resolves a manifest read. Bare single-component names are
// local repositories first; the implicit Docker Hub library mapping only
// applies when nothing was pushed under that name. Explicit upstream
// prefixes always go through the cache controller.
func (h *DockerRegistryHandler) fetchManifest(r *http.Request, name, reference string) ([]byte, string, error) {
	upstreamName, image, proxied := h.proxied(name)
	if !proxied {
		return h.store.GetManifest(r.Context(), name, reference)
	}

	if !strings.Contains(name, "/") {
		data, dgst, err := h.store.GetManifest(r.Context(), name, reference)
		if err == nil || !errors.Is(err, storage.ErrNotFound) {
			return data, dgst, err
		}
	}
	return h.proxy.GetManifest(r.Context(), upstreamName, image, reference)
}

func (h *DockerRegistryHandler) validName(w http.ResponseWriter, name string) bool {
	if !digest.ValidRepositoryName(name) {
		h.respondWithError(w, http.StatusBadRequest, codeNameInvalid, "invalid repository name")
		return false
	}
	return true
}

func (h *DockerRegistryHandler) validReference(w http.ResponseWriter, ref string) bool {
	if digest.IsDigest(ref) {
		if _, err := digest.Parse(ref); err != nil {
			h.respondWithError(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
			return false
		}
		return true
	}
	if !digest.ValidTag(ref) {
		h.respondWithError(w, http.StatusBadRequest, codeManifestUnknown, "invalid tag reference")
		return false
	}
	return true
}

func (h *DockerRegistryHandler) validDigest(w http.ResponseWriter, dgst string) bool {
	if _, err := digest.Parse(dgst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, codeDigestInvalid, err.Error())
		return false
	}
	return true
}

func (h *DockerRegistryHandler) manifestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, codeManifestUnknown, "manifest unknown")
	case isUpstreamAuthError(err):
		h.respondWithError(w, http.StatusBadGateway, codeDenied, "upstream authentication failed")
	default:
		h.logger.WithError(err).Error("Manifest operation failed")
		h.respondWithError(w, http.StatusServiceUnavailable, codeUnsupported, "storage unavailable")
	}
}

func (h *DockerRegistryHandler) blobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, codeBlobUnknown, "blob unknown to registry")
	case isUpstreamAuthError(err):
		h.respondWithError(w, http.StatusBadGateway, codeDenied, "upstream authentication failed")
	default:
		h.logger.WithError(err).Error("Blob operation failed")
		h.respondWithError(w, http.StatusServiceUnavailable, codeUnsupported, "storage unavailable")
	}
}

func (h *DockerRegistryHandler) respondWithError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]interface{}{
			{"code": code, "message": message},
		},
	})
}

// manifestMediaType echoes the manifest's own mediaType, defaulting to the
// OCI image manifest type.
func manifestMediaType(data []byte) string {
	var peek struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(data, &peek); err == nil && peek.MediaType != "" {
		return peek.MediaType
	}
	return ocispec.MediaTypeImageManifest
}
