package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/repoworker/repoworker/internal/logger"
	"github.com/repoworker/repoworker/internal/storage"
)

// chartMetadata is the subset of Chart.yaml the repository index needs.
type chartMetadata struct {
	APIVersion  string   `yaml:"apiVersion" json:"apiVersion"`
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	AppVersion  string   `yaml:"appVersion,omitempty" json:"appVersion,omitempty"`
	Icon        string   `yaml:"icon,omitempty" json:"icon,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Home        string   `yaml:"home,omitempty" json:"home,omitempty"`
	Sources     []string `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// indexEntry is one chart version in index.yaml.
type indexEntry struct {
	APIVersion  string    `yaml:"apiVersion"`
	Name        string    `yaml:"name"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description,omitempty"`
	AppVersion  string    `yaml:"appVersion,omitempty"`
	Icon        string    `yaml:"icon,omitempty"`
	Keywords    []string  `yaml:"keywords,omitempty"`
	Home        string    `yaml:"home,omitempty"`
	Sources     []string  `yaml:"sources,omitempty"`
	Created     time.Time `yaml:"created"`
	URLs        []string  `yaml:"urls"`
}

// repoIndex is the Helm chart repository index document.
type repoIndex struct {
	APIVersion string                  `yaml:"apiVersion"`
	Generated  time.Time               `yaml:"generated"`
	Entries    map[string][]indexEntry `yaml:"entries"`
}

// HelmHandler serves the Helm chart repository protocol.
type HelmHandler struct {
	store  Store
	logger *logrus.Entry
}

func NewHelmHandler(store Store, log *logrus.Logger) *HelmHandler {
	return &HelmHandler{
		store:  store,
		logger: logger.ForComponent(log, "helm"),
	}
}

// RegisterRoutes sets up the chart repository and management routes.
// Protocol routes sit at the root; management routes under /api/v1.
func (h *HelmHandler) RegisterRoutes(root, api *mux.Router) {
	root.HandleFunc("/index.yaml", h.handleIndex).Methods("GET")
	root.HandleFunc("/charts/{filename}", h.handleDownloadChart).Methods("GET")

	api.HandleFunc("/charts", h.handleUploadChart).Methods("POST")
	api.HandleFunc("/charts", h.handleListCharts).Methods("GET")
	api.HandleFunc("/charts/{name}/{version}", h.handleDeleteChart).Methods("DELETE")
}

// handleIndex builds index.yaml from the stored archives. The index is
// regenerated per request; charts whose archives cannot be parsed are
// skipped with a warning.
func (h *HelmHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	charts, err := h.store.ListCharts(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list charts")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	index := repoIndex{
		APIVersion: "v1",
		Generated:  time.Now().UTC(),
		Entries:    make(map[string][]indexEntry),
	}

	for _, info := range charts {
		meta, err := h.loadChartMetadata(r, info)
		if err != nil {
			h.logger.WithError(err).Warnf("Skipping unreadable chart %s", info.Filename)
			continue
		}
		index.Entries[meta.Name] = append(index.Entries[meta.Name], indexEntry{
			APIVersion:  meta.APIVersion,
			Name:        meta.Name,
			Version:     meta.Version,
			Description: meta.Description,
			AppVersion:  meta.AppVersion,
			Icon:        meta.Icon,
			Keywords:    meta.Keywords,
			Home:        meta.Home,
			Sources:     meta.Sources,
			Created:     time.Now().UTC(),
			URLs:        []string{"/charts/" + info.Filename},
		})
	}

	for name := range index.Entries {
		entries := index.Entries[name]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Version > entries[j].Version
		})
		index.Entries[name] = entries
	}

	w.Header().Set("Content-Type", "application/x-yaml")
	if err := yaml.NewEncoder(w).Encode(&index); err != nil {
		h.logger.WithError(err).Error("Failed to encode index.yaml")
	}
}

func (h *HelmHandler) loadChartMetadata(r *http.Request, info storage.ChartInfo) (*chartMetadata, error) {
	body, _, err := h.store.GetChart(r.Context(), info.Name, info.Version)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return extractChartMetadata(data)
}

func (h *HelmHandler) handleDownloadChart(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	name, version, ok := parseChartFilename(filename)
	if !ok {
		http.Error(w, "invalid chart filename", http.StatusBadRequest)
		return
	}

	body, size, err := h.store.GetChart(r.Context(), name, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "chart not found", http.StatusNotFound)
			return
		}
		h.logger.WithError(err).Errorf("Failed to fetch chart %s", filename)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	io.Copy(w, body)
}

// handleUploadChart accepts a multipart form with the archive in the
// "chart" field, falling back to the first file part.
func (h *HelmHandler) handleUploadChart(w http.ResponseWriter, r *http.Request) {
	data, err := readChartUpload(r)
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	meta, err := extractChartMetadata(data)
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	if meta.Name == "" || meta.Version == "" {
		h.respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "Chart.yaml must declare name and version"})
		return
	}

	if err := h.store.PutChart(r.Context(), meta.Name, meta.Version, data); err != nil {
		h.logger.WithError(err).Errorf("Failed to store chart %s-%s", meta.Name, meta.Version)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "storage unavailable"})
		return
	}

	h.logger.Infof("Stored chart %s version %s", meta.Name, meta.Version)
	h.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"saved":   true,
		"name":    meta.Name,
		"version": meta.Version,
	})
}

func (h *HelmHandler) handleListCharts(w http.ResponseWriter, r *http.Request) {
	charts, err := h.store.ListCharts(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list charts")
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "storage unavailable"})
		return
	}

	type chartItem struct {
		Name     string `json:"name"`
		Version  string `json:"version"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	}
	items := make([]chartItem, 0, len(charts))
	for _, c := range charts {
		items = append(items, chartItem{Name: c.Name, Version: c.Version, Filename: c.Filename, Size: c.Size})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"charts": items})
}

func (h *HelmHandler) handleDeleteChart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	version := vars["version"]

	if err := h.store.DeleteChart(r.Context(), name, version); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "chart not found"})
			return
		}
		h.logger.WithError(err).Errorf("Failed to delete chart %s-%s", name, version)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "storage unavailable"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (h *HelmHandler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// readChartUpload pulls the archive bytes out of a multipart request,
// preferring the "chart" field.
func readChartUpload(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		return nil, fmt.Errorf("invalid multipart request: %w", err)
	}

	file, _, err := r.FormFile("chart")
	if err != nil {
		file = nil
		for _, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, openErr := headers[0].Open()
			if openErr != nil {
				return nil, openErr
			}
			file = f
			break
		}
		if file == nil {
			return nil, fmt.Errorf("no chart file in upload")
		}
	}
	defer file.Close()

	return io.ReadAll(file)
}

// extractChartMetadata finds Chart.yaml inside the gzipped tar archive.
// Helm packages place it under a top-level directory named after the
// chart, but a bare Chart.yaml is accepted too.
func extractChartMetadata(archive []byte) (*chartMetadata, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt tar archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if !isChartYAMLPath(header.Name) {
			continue
		}

		raw, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		var meta chartMetadata
		if err := yaml.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("invalid Chart.yaml: %w", err)
		}
		if meta.APIVersion == "" {
			meta.APIVersion = "v2"
		}
		return &meta, nil
	}
	return nil, fmt.Errorf("archive does not contain Chart.yaml")
}

func isChartYAMLPath(name string) bool {
	name = strings.TrimPrefix(name, "./")
	if name == "Chart.yaml" {
		return true
	}
	parts := strings.Split(name, "/")
	return len(parts) == 2 && parts[1] == "Chart.yaml"
}

// parseChartFilename splits "<name>-<version>.tgz" at the last dash.
// Versions never contain dashes themselves beyond prerelease suffixes,
// so the split point is the dash before the first digit-led segment.
func parseChartFilename(filename string) (name, version string, ok bool) {
	base, found := strings.CutSuffix(filename, ".tgz")
	if !found || base == "" {
		return "", "", false
	}

	parts := strings.Split(base, "-")
	for i := 1; i < len(parts); i++ {
		if len(parts[i]) > 0 && parts[i][0] >= '0' && parts[i][0] <= '9' {
			return strings.Join(parts[:i], "-"), strings.Join(parts[i:], "-"), true
		}
	}
	return "", "", false
}
