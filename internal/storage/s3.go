package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/repoworker/repoworker/internal/config"
	"github.com/repoworker/repoworker/internal/digest"
	"github.com/repoworker/repoworker/internal/logger"
)

// S3Store is the single owner of all durable state. Every key it writes
// follows the documented layout.
type S3Store struct {
	client *s3.Client
	bucket string
	logger *logrus.Entry
}

// NewS3Store builds a store against any S3-compatible endpoint. Path-style
// addressing keeps MinIO and other interop backends working.
func NewS3Store(cfg config.S3Config, log *logrus.Logger) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.ForComponent(log, "storage"),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}

	s.logger.Infof("Bucket %s not found, creating", s.bucket)
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// CheckConnection verifies the bucket is reachable. Used by the readiness
// probe.
func (s *S3Store) CheckConnection(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("object store unreachable: %w", err)
	}
	return nil
}

// --- low-level object operations ---

func (s *S3Store) getObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, mapNotFound(err, key)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

func (s *S3Store) getObjectBytes(ctx context.Context, key string) ([]byte, error) {
	body, _, err := s.getObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) deleteObject(ctx context.Context, key string) error {
	// DeleteObject succeeds for missing keys, so existence is checked first
	// to give callers a real 404.
	if exists, err := s.objectExists(ctx, key); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) objectSize(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, mapNotFound(err, key)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func mapNotFound(err error, key string) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return err
}

func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	return errors.As(err, &noKey) || errors.As(err, &notFound) || errors.As(err, &noBucket)
}

// --- blobs ---

func (s *S3Store) BlobExists(ctx context.Context, dgst string) (bool, error) {
	return s.objectExists(ctx, blobKey(dgst))
}

func (s *S3Store) BlobSize(ctx context.Context, dgst string) (int64, error) {
	return s.objectSize(ctx, blobKey(dgst))
}

func (s *S3Store) GetBlob(ctx context.Context, dgst string) (io.ReadCloser, int64, error) {
	return s.getObject(ctx, blobKey(dgst))
}

// blobPartSize is the multipart part size for blob uploads; it bounds the
// memory held per in-flight write and satisfies the S3 minimum part size.
const blobPartSize = 5 << 20

// PutBlob streams the body through a sha256 verifier into the store. Small
// bodies become a single PutObject after verification; larger ones go
// through a multipart upload that is aborted on digest mismatch, so a
// mismatch or a cancelled upload never creates the key. Re-putting an
// existing blob is a no-op success.
func (s *S3Store) PutBlob(ctx context.Context, dgst string, r io.Reader) error {
	d, err := digest.Parse(dgst)
	if err != nil {
		return fmt.Errorf("%s: %w", dgst, ErrDigestMismatch)
	}

	key := blobKey(dgst)
	if exists, err := s.objectExists(ctx, key); err == nil && exists {
		s.logger.Debugf("Blob %s already present, skipping write", dgst)
		return nil
	}

	verifier := digest.NewVerifier(d, r)
	buf := make([]byte, blobPartSize)
	n, err := io.ReadFull(verifier, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		if !verifier.Verified() {
			return fmt.Errorf("blob %s: %w", dgst, ErrDigestMismatch)
		}
		return s.putObject(ctx, key, buf[:n])
	}
	if err != nil {
		return fmt.Errorf("failed to read blob body: %w", err)
	}
	return s.putBlobMultipart(ctx, key, dgst, verifier, buf)
}

// putBlobMultipart continues a blob write whose body exceeds one part.
// The first part arrives pre-filled; subsequent parts reuse the same
// buffer since UploadPart consumes its body synchronously.
func (s *S3Store) putBlobMultipart(ctx context.Context, key, dgst string, verifier *digest.Verifier, buf []byte) error {
	create, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to start multipart upload for %s: %w", key, err)
	}
	uploadID := create.UploadId

	abort := func() {
		if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		}); err != nil {
			s.logger.WithError(err).Warnf("Failed to abort multipart upload for %s", key)
		}
	}

	var completed []types.CompletedPart
	part := buf
	partNumber := int32(1)
	lastPart := false
	for {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(part),
		})
		if err != nil {
			abort()
			return fmt.Errorf("failed to upload part %d of %s: %w", partNumber, key, err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		partNumber++

		if lastPart {
			break
		}
		n, err := io.ReadFull(verifier, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			part = buf[:n]
			lastPart = true
			continue
		}
		if err != nil {
			abort()
			return fmt.Errorf("failed to read blob body: %w", err)
		}
		part = buf
	}

	if !verifier.Verified() {
		abort()
		return fmt.Errorf("blob %s: %w", dgst, ErrDigestMismatch)
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		abort()
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) DeleteBlob(ctx context.Context, dgst string) error {
	return s.deleteObject(ctx, blobKey(dgst))
}

// --- manifests ---

// GetManifest resolves tag references through the link object and returns
// the manifest bytes together with their digest.
func (s *S3Store) GetManifest(ctx context.Context, name, ref string) ([]byte, string, error) {
	dgst := ref
	if !digest.IsDigest(ref) {
		link, err := s.getObjectBytes(ctx, tagLinkKey(name, ref))
		if err != nil {
			return nil, "", err
		}
		dgst = strings.TrimSpace(string(link))
	}

	data, err := s.getObjectBytes(ctx, manifestRevisionKey(name, dgst))
	if err != nil {
		return nil, "", err
	}
	return data, dgst, nil
}

// PutManifest stores the content object first and the tag link second, so a
// reader that observes the new link always finds the content.
func (s *S3Store) PutManifest(ctx context.Context, name, ref string, data []byte) (string, error) {
	dgst := digest.FromBytes(data)

	if err := s.putObject(ctx, manifestRevisionKey(name, dgst), data); err != nil {
		return "", err
	}
	if !digest.IsDigest(ref) {
		if err := s.putObject(ctx, tagLinkKey(name, ref), []byte(dgst)); err != nil {
			return "", err
		}
	}
	return dgst, nil
}

// DeleteManifest removes a revision when ref is a digest, or only the tag
// link when ref is a tag.
func (s *S3Store) DeleteManifest(ctx context.Context, name, ref string) error {
	if digest.IsDigest(ref) {
		return s.deleteObject(ctx, manifestRevisionKey(name, ref))
	}
	return s.deleteObject(ctx, tagLinkKey(name, ref))
}

func (s *S3Store) ListTags(ctx context.Context, name string) ([]string, error) {
	prefix := tagsPrefix(name)
	var tags []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tags for %s: %w", name, err)
		}
		for _, cp := range page.CommonPrefixes {
			tag := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	sort.Strings(tags)
	return tags, nil
}

// ListRepositories walks the repositories/ keyspace and extracts every name
// that carries a _manifests marker.
func (s *S3Store) ListRepositories(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("repositories/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), "repositories/")
			if idx := strings.Index(key, "/_manifests"); idx > 0 {
				seen[key[:idx]] = true
			}
		}
	}

	repos := make([]string, 0, len(seen))
	for name := range seen {
		repos = append(repos, name)
	}
	sort.Strings(repos)
	return repos, nil
}

// --- charts ---

func (s *S3Store) GetChart(ctx context.Context, name, version string) (io.ReadCloser, int64, error) {
	return s.getObject(ctx, chartKey(name, version))
}

func (s *S3Store) PutChart(ctx context.Context, name, version string, data []byte) error {
	return s.putObject(ctx, chartKey(name, version), data)
}

func (s *S3Store) DeleteChart(ctx context.Context, name, version string) error {
	return s.deleteObject(ctx, chartKey(name, version))
}

func (s *S3Store) ListCharts(ctx context.Context) ([]ChartInfo, error) {
	var charts []ChartInfo

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String("charts/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list charts: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".tgz") {
				continue
			}
			info, ok := parseChartKey(key)
			if !ok {
				continue
			}
			info.Size = aws.ToInt64(obj.Size)
			charts = append(charts, info)
		}
	}

	sort.Slice(charts, func(i, j int) bool {
		if charts[i].Name != charts[j].Name {
			return charts[i].Name < charts[j].Name
		}
		return charts[i].Version < charts[j].Version
	})
	return charts, nil
}

// parseChartKey extracts name and version from charts/<name>/<name>-<version>.tgz.
// The directory component disambiguates names that themselves contain dashes.
func parseChartKey(key string) (ChartInfo, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return ChartInfo{}, false
	}
	name := parts[1]
	filename := parts[2]

	rest := strings.TrimSuffix(filename, ".tgz")
	if !strings.HasPrefix(rest, name+"-") {
		return ChartInfo{}, false
	}
	version := strings.TrimPrefix(rest, name+"-")
	if version == "" {
		return ChartInfo{}, false
	}
	return ChartInfo{Name: name, Version: version, Filename: path.Base(key)}, true
}

// --- cache metadata ---

func (s *S3Store) GetCacheMeta(ctx context.Context, upstream, image, tag string) (*CacheMeta, error) {
	data, err := s.getObjectBytes(ctx, cacheMetaKey(upstream, image, tag))
	if err != nil {
		return nil, err
	}
	var meta CacheMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt cache metadata for %s/%s:%s: %w", upstream, image, tag, err)
	}
	return &meta, nil
}

func (s *S3Store) PutCacheMeta(ctx context.Context, upstream, image, tag string, meta *CacheMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.putObject(ctx, cacheMetaKey(upstream, image, tag), data)
}

// --- proxied manifests ---

func (s *S3Store) GetProxiedManifest(ctx context.Context, upstream, image, ref string) ([]byte, error) {
	return s.getObjectBytes(ctx, proxiedManifestKey(upstream, image, ref))
}

// PutProxiedManifest writes the manifest under the requested reference and
// additionally under its digest, so later digest pulls resolve
// content-addressably.
func (s *S3Store) PutProxiedManifest(ctx context.Context, upstream, image, ref, dgst string, data []byte) error {
	if err := s.putObject(ctx, proxiedManifestKey(upstream, image, dgst), data); err != nil {
		return err
	}
	if ref != dgst {
		if err := s.putObject(ctx, proxiedManifestKey(upstream, image, ref), data); err != nil {
			return err
		}
	}
	return nil
}
