// Package vfs implements the virtual filesystem over S3-compatible
// object stores: read and write handles, directory enumeration, and the
// path-level facade with its metadata caches.
package vfs

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/OSGeo/gdal-sub056/internal/cache"
	"github.com/OSGeo/gdal-sub056/internal/config"
	"github.com/OSGeo/gdal-sub056/internal/credential"
	"github.com/OSGeo/gdal-sub056/internal/metrics"
	"github.com/OSGeo/gdal-sub056/internal/protocol"
	"github.com/OSGeo/gdal-sub056/internal/sign"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/types"
	"github.com/OSGeo/gdal-sub056/pkg/utils"
)

// FileSystem is the facade over one object-store account. Paths are
// "bucket" or "bucket/key". All methods are safe for concurrent use;
// handles returned by Open and Create are not.
type FileSystem struct {
	opts      *config.Options
	creds     *credential.Provider
	cache     *cache.Cache
	metrics   *metrics.Collector
	logger    *slog.Logger
	transport *http.Client
	chunkSize int64

	mu      sync.Mutex
	clients map[string]*protocol.Client
}

// Option customizes a FileSystem.
type Option func(*FileSystem)

// WithCache injects a shared metadata cache.
func WithCache(c *cache.Cache) Option {
	return func(fs *FileSystem) { fs.cache = c }
}

// WithLogger injects the logger.
func WithLogger(l *slog.Logger) Option {
	return func(fs *FileSystem) { fs.logger = l }
}

// WithMetrics injects the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(fs *FileSystem) { fs.metrics = m }
}

// WithHTTPClient injects the HTTP client used for every request.
func WithHTTPClient(c *http.Client) Option {
	return func(fs *FileSystem) { fs.transport = c }
}

// WithChunkSize overrides the configured write chunk size in bytes.
func WithChunkSize(n int64) Option {
	return func(fs *FileSystem) { fs.chunkSize = n }
}

// WithCredentialProvider injects a credential provider.
func WithCredentialProvider(p *credential.Provider) Option {
	return func(fs *FileSystem) { fs.creds = p }
}

// New builds a filesystem from resolved options.
func New(opts *config.Options, fsOpts ...Option) (*FileSystem, error) {
	chunkSize, err := opts.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}
	fs := &FileSystem{
		opts:      opts,
		chunkSize: chunkSize,
		clients:   make(map[string]*protocol.Client),
	}
	for _, o := range fsOpts {
		o(fs)
	}
	if fs.logger == nil {
		fs.logger = slog.Default()
	}
	fs.logger = fs.logger.With("component", "vfs")
	if fs.cache == nil {
		fs.cache = cache.New()
	}
	if fs.creds == nil {
		fs.creds = credential.NewProvider(credential.Options{
			AccessKeyID:     opts.AccessKeyID,
			SecretAccessKey: opts.SecretAccessKey,
			SessionToken:    opts.SessionToken,
			Profile:         opts.Profile,
			Region:          opts.Region,
			UseEC2Metadata:  opts.UseEC2Metadata,
		}, fs.logger)
	}
	return fs, nil
}

// ChunkSize returns the write chunk size in bytes.
func (fs *FileSystem) ChunkSize() int64 { return fs.chunkSize }

// ObjectClient exposes the protocol client for bucket so protocol-level
// callers (the sync engine's parallel part uploads) can share this
// filesystem's transport and credentials.
func (fs *FileSystem) ObjectClient(bucket string) *protocol.Client {
	return fs.client(bucket)
}

// client returns the protocol client for bucket, creating it on first
// use.
func (fs *FileSystem) client(bucket string) *protocol.Client {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if c, ok := fs.clients[bucket]; ok {
		return c
	}
	var helper sign.RequestHelper
	switch fs.opts.Provider {
	case config.ProviderOSS:
		helper = sign.NewOSSHelper(sign.OSSOptions{
			Bucket:       bucket,
			Region:       fs.opts.Region,
			Endpoint:     fs.opts.Endpoint,
			UseHTTPS:     fs.opts.UseHTTPS,
			RequestPayer: fs.opts.RequestPayer,
		})
	default:
		helper = sign.NewS3Helper(sign.S3Options{
			Bucket:         bucket,
			Region:         fs.opts.Region,
			Endpoint:       fs.opts.Endpoint,
			UseHTTPS:       fs.opts.UseHTTPS,
			VirtualHosting: fs.opts.VirtualHosting,
			RequestPayer:   fs.opts.RequestPayer,
		})
	}
	c := protocol.NewClient(protocol.ClientOptions{
		Helper:         helper,
		Credentials:    fs.creds,
		HTTPClient:     fs.transport,
		Retry:          fs.opts.Retry,
		RequestTimeout: fs.opts.RequestTimeout,
		Logger:         fs.logger,
		Metrics:        fs.metrics,
	})
	fs.clients[bucket] = c
	return c
}

// Stat resolves the properties of path. Resolution order: the property
// cache, a HEAD on the exact key, then a one-entry listing to detect a
// directory implied by deeper keys.
func (fs *FileSystem) Stat(ctx context.Context, path string) (types.FileProperties, error) {
	if err := utils.ValidatePath(path); err != nil {
		return types.FileProperties{}, err
	}
	bucket, key := utils.SplitBucketKey(path)

	if props, ok := fs.cache.GetProperties(path); ok && props.Exists != types.ExistsUnknown {
		fs.metrics.RecordCacheLookup(true)
		if props.Exists == types.ExistsNo {
			return props, vfserrors.New(vfserrors.ErrCodeObjectNotFound, "no such file or directory").
				WithContext("path", path)
		}
		return props, nil
	}
	if fs.cache.IsKnownEmptyDir(path) {
		fs.metrics.RecordCacheLookup(true)
		return types.FileProperties{Exists: types.ExistsYes, IsDir: true}, nil
	}
	if listing, ok := fs.cache.GetListing(path); ok && listing.Complete {
		fs.metrics.RecordCacheLookup(true)
		return types.FileProperties{Exists: types.ExistsYes, IsDir: true}, nil
	}
	fs.metrics.RecordCacheLookup(false)

	client := fs.client(bucket)

	if key == "" {
		// Bucket root: probe with a listing.
		if _, err := client.ListPage(ctx, protocol.ListRequest{MaxKeys: 1}); err != nil {
			return types.FileProperties{}, err
		}
		return types.FileProperties{Exists: types.ExistsYes, IsDir: true}, nil
	}

	props, err := client.Head(ctx, key)
	if err == nil {
		result := types.FileProperties{
			Exists:       types.ExistsYes,
			Size:         props.Size,
			SizeComputed: props.Size >= 0,
			MTime:        props.LastModified,
			ETag:         props.ETag,
		}
		fs.cache.SetProperties(path, result)
		return result, nil
	}
	if !vfserrors.IsNotFound(err) {
		return types.FileProperties{}, err
	}

	// No object at the key; deeper keys make it a directory.
	page, listErr := client.ListPage(ctx, protocol.ListRequest{
		Prefix:  key + "/",
		MaxKeys: 1,
	})
	if listErr != nil {
		return types.FileProperties{}, listErr
	}
	if len(page.Contents) > 0 || len(page.CommonPrefixes) > 0 {
		result := types.FileProperties{Exists: types.ExistsYes, IsDir: true}
		fs.cache.SetProperties(path, result)
		return result, nil
	}

	fs.cache.SetProperties(path, types.FileProperties{Exists: types.ExistsNo})
	return types.FileProperties{Exists: types.ExistsNo},
		vfserrors.New(vfserrors.ErrCodeObjectNotFound, "no such file or directory").
			WithContext("path", path)
}

// ReadDir enumerates path completely.
func (fs *FileSystem) ReadDir(ctx context.Context, path string) ([]types.DirEntry, error) {
	reader, err := fs.OpenDir(ctx, path)
	if err != nil {
		return nil, err
	}
	return reader.ReadAll(ctx)
}

// Unlink deletes the object at path.
func (fs *FileSystem) Unlink(ctx context.Context, path string) error {
	if err := utils.ValidatePath(path); err != nil {
		return err
	}
	bucket, key := utils.SplitBucketKey(path)
	if key == "" {
		return vfserrors.New(vfserrors.ErrCodeIsDirectory, "cannot unlink a bucket").
			WithContext("path", path)
	}
	if err := fs.client(bucket).Delete(ctx, key); err != nil {
		return err
	}
	fs.noteObjectRemoved(path)
	return nil
}

// DeleteObjects removes many objects with batched multi-delete
// requests. The returned map carries the per-key failures; a nil map
// means every key was deleted.
func (fs *FileSystem) DeleteObjects(ctx context.Context, paths []string) (map[string]error, error) {
	byBucket := make(map[string][]string)
	keyToPath := make(map[string]string)
	for _, p := range paths {
		if err := utils.ValidatePath(p); err != nil {
			return nil, err
		}
		bucket, key := utils.SplitBucketKey(p)
		if key == "" {
			return nil, vfserrors.New(vfserrors.ErrCodeIsDirectory, "cannot delete a bucket").
				WithContext("path", p)
		}
		byBucket[bucket] = append(byBucket[bucket], key)
		keyToPath[bucket+"\x00"+key] = p
	}

	failures := make(map[string]error)
	for bucket, keys := range byBucket {
		client := fs.client(bucket)
		for start := 0; start < len(keys); start += config.MaxDeleteBatchSize {
			end := start + config.MaxDeleteBatchSize
			if end > len(keys) {
				end = len(keys)
			}
			batch := keys[start:end]
			failed, err := client.DeleteBatch(ctx, batch)
			if err != nil {
				return nil, err
			}
			for _, k := range batch {
				path := keyToPath[bucket+"\x00"+k]
				if ferr, ok := failed[k]; ok {
					failures[path] = ferr
					continue
				}
				fs.noteObjectRemoved(path)
			}
		}
	}
	if len(failures) == 0 {
		return nil, nil
	}
	return failures, nil
}

// Rename moves src to dst. Renaming a path onto itself succeeds without
// any request. Directories are renamed by copying every object under
// them and deleting the originals.
func (fs *FileSystem) Rename(ctx context.Context, src, dst string) error {
	if err := utils.ValidatePath(src); err != nil {
		return err
	}
	if err := utils.ValidatePath(dst); err != nil {
		return err
	}
	if strings.Trim(src, "/") == strings.Trim(dst, "/") {
		return nil
	}
	if utils.IsAncestor(src, dst) {
		return vfserrors.New(vfserrors.ErrCodePathInvalid, "cannot rename a directory into itself").
			WithContext("src", src).
			WithContext("dst", dst)
	}

	props, err := fs.Stat(ctx, src)
	if err != nil {
		return err
	}
	if props.IsDir {
		return fs.renameDir(ctx, src, dst)
	}
	if dstProps, err := fs.Stat(ctx, dst); err == nil && dstProps.IsDir {
		return vfserrors.New(vfserrors.ErrCodeIsDirectory, "rename target exists as a directory").
			WithContext("src", src).
			WithContext("dst", dst)
	}
	if err := fs.CopyFile(ctx, src, dst); err != nil {
		return err
	}
	return fs.Unlink(ctx, src)
}

func (fs *FileSystem) renameDir(ctx context.Context, src, dst string) error {
	entries, err := fs.ReadDir(ctx, src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name, "/")
		srcChild := src + "/" + name
		dstChild := dst + "/" + name
		if e.IsDir {
			if err := fs.renameDir(ctx, srcChild, dstChild); err != nil {
				return err
			}
			continue
		}
		if err := fs.CopyFile(ctx, srcChild, dstChild); err != nil {
			return err
		}
		if err := fs.Unlink(ctx, srcChild); err != nil {
			return err
		}
	}
	// Move the marker object if the directory had one.
	srcBucket, srcKey := utils.SplitBucketKey(src)
	if srcKey != "" {
		if _, err := fs.client(srcBucket).Head(ctx, srcKey+"/"); err == nil {
			dstBucket, dstKey := utils.SplitBucketKey(dst)
			if _, err := fs.client(dstBucket).Copy(ctx, srcBucket, srcKey+"/", dstKey+"/", protocol.PutOptions{}); err != nil {
				return err
			}
			if err := fs.client(srcBucket).Delete(ctx, srcKey+"/"); err != nil {
				return err
			}
		}
	}
	fs.cache.InvalidateRecursive(src)
	fs.cache.InvalidateRecursive(dst)
	fs.cache.InvalidateDirContent(utils.Dirname(src))
	fs.cache.InvalidateDirContent(utils.Dirname(dst))
	return nil
}

// CopyFile performs a server-side copy between object paths.
func (fs *FileSystem) CopyFile(ctx context.Context, src, dst string) error {
	srcBucket, srcKey := utils.SplitBucketKey(src)
	dstBucket, dstKey := utils.SplitBucketKey(dst)
	if srcKey == "" || dstKey == "" {
		return vfserrors.New(vfserrors.ErrCodePathInvalid, "copy requires object paths").
			WithContext("src", src).
			WithContext("dst", dst)
	}
	if _, err := fs.client(dstBucket).Copy(ctx, srcBucket, srcKey, dstKey, protocol.PutOptions{}); err != nil {
		return err
	}
	fs.NoteObjectWritten(dst, -1, "")
	return nil
}

// Mkdir records a directory. With directory markers enabled a zero-byte
// "key/" object is created; otherwise the directory only exists in the
// empty-dir registry until a file is written under it.
func (fs *FileSystem) Mkdir(ctx context.Context, path string) error {
	if err := utils.ValidatePath(path); err != nil {
		return err
	}
	bucket, key := utils.SplitBucketKey(path)
	if key == "" {
		return vfserrors.New(vfserrors.ErrCodePathInvalid, "cannot create a bucket with mkdir").
			WithContext("path", path)
	}
	props, err := fs.Stat(ctx, path)
	switch {
	case err == nil && props.Exists == types.ExistsYes:
		return vfserrors.New(vfserrors.ErrCodeAlreadyExists, "path already exists").
			WithContext("path", path)
	case err != nil && !vfserrors.IsNotFound(err):
		return err
	}
	if fs.opts.DirectoryMarkers {
		if _, err := fs.client(bucket).Put(ctx, key+"/", nil, protocol.PutOptions{}); err != nil {
			return err
		}
	}
	fs.cache.SetProperties(path, types.FileProperties{Exists: types.ExistsYes, IsDir: true})
	fs.cache.RegisterEmptyDir(path)
	fs.cache.InvalidateDirContent(utils.Dirname(path))
	return nil
}

// Rmdir removes an empty directory. A directory with entries fails with
// a not-empty error.
func (fs *FileSystem) Rmdir(ctx context.Context, path string) error {
	if err := utils.ValidatePath(path); err != nil {
		return err
	}
	bucket, key := utils.SplitBucketKey(path)
	if key == "" {
		return vfserrors.New(vfserrors.ErrCodePathInvalid, "cannot remove a bucket with rmdir").
			WithContext("path", path)
	}

	if !fs.cache.IsKnownEmptyDir(path) {
		entries, err := fs.ReadDir(ctx, path)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return vfserrors.New(vfserrors.ErrCodeNotEmpty, "directory not empty").
				WithContext("path", path)
		}
	}
	if err := fs.client(bucket).Delete(ctx, key+"/"); err != nil && !vfserrors.IsNotFound(err) {
		return err
	}
	fs.noteObjectRemoved(path)
	return nil
}

// RmdirRecursive removes path and everything under it using batched
// deletes.
func (fs *FileSystem) RmdirRecursive(ctx context.Context, path string) error {
	if err := utils.ValidatePath(path); err != nil {
		return err
	}
	bucket, key := utils.SplitBucketKey(path)
	client := fs.client(bucket)

	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	token := ""
	for {
		page, err := client.ListPage(ctx, protocol.ListRequest{
			Prefix:            prefix,
			MaxKeys:           config.MaxDeleteBatchSize,
			ContinuationToken: token,
		})
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(page.Contents))
		for _, obj := range page.Contents {
			keys = append(keys, obj.Key)
		}
		if len(keys) > 0 {
			failed, err := client.DeleteBatch(ctx, keys)
			if err != nil {
				return err
			}
			for k, ferr := range failed {
				return vfserrors.Wrap(vfserrors.ErrCodeOperationFailed,
					"recursive delete failed", ferr).WithContext("key", k)
			}
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	if key != "" {
		if err := client.Delete(ctx, key+"/"); err != nil && !vfserrors.IsNotFound(err) {
			return err
		}
	}
	fs.cache.InvalidateRecursive(path)
	fs.cache.InvalidateDirContent(utils.Dirname(path))
	return nil
}

// SignURL returns a presigned URL for method on path, valid for
// expires.
func (fs *FileSystem) SignURL(ctx context.Context, method, path string, expires time.Duration) (string, error) {
	if err := utils.ValidatePath(path); err != nil {
		return "", err
	}
	bucket, key := utils.SplitBucketKey(path)
	creds, err := fs.creds.Get(ctx, bucket)
	if err != nil {
		return "", err
	}
	u := fs.client(bucket).Helper().PresignURL(method, key, creds, expires)
	return u.String(), nil
}

// GetMetadata returns path's metadata in the requested domain: response
// headers (user metadata) or the object tag set.
func (fs *FileSystem) GetMetadata(ctx context.Context, path string, domain types.MetadataDomain) (map[string]string, error) {
	if err := utils.ValidatePath(path); err != nil {
		return nil, err
	}
	bucket, key := utils.SplitBucketKey(path)
	switch domain {
	case types.DomainTags:
		return fs.client(bucket).GetTags(ctx, key)
	default:
		props, err := fs.client(bucket).Head(ctx, key)
		if err != nil {
			return nil, err
		}
		return props.Metadata, nil
	}
}

// SetMetadata replaces path's metadata in the requested domain. The
// headers domain rewrites the object in place with a metadata-replacing
// self-copy.
func (fs *FileSystem) SetMetadata(ctx context.Context, path string, domain types.MetadataDomain, md map[string]string) error {
	if err := utils.ValidatePath(path); err != nil {
		return err
	}
	bucket, key := utils.SplitBucketKey(path)
	switch domain {
	case types.DomainTags:
		if err := fs.client(bucket).SetTags(ctx, key, md); err != nil {
			return err
		}
	default:
		if md == nil {
			md = map[string]string{}
		}
		if _, err := fs.client(bucket).Copy(ctx, bucket, key, key, protocol.PutOptions{Metadata: md}); err != nil {
			return err
		}
	}
	fs.cache.Invalidate(path)
	return nil
}

// AbortPendingUploads aborts every in-progress multipart upload under
// path and returns how many were aborted.
func (fs *FileSystem) AbortPendingUploads(ctx context.Context, path string) (int, error) {
	if err := utils.ValidatePath(path); err != nil {
		return 0, err
	}
	bucket, key := utils.SplitBucketKey(path)
	client := fs.client(bucket)
	prefix := key
	if prefix != "" {
		prefix += "/"
	}
	uploads, err := client.ListMultipartUploads(ctx, prefix)
	if err != nil {
		return 0, err
	}
	aborted := 0
	for _, u := range uploads {
		if err := client.AbortMultipart(ctx, u.Key, u.UploadID); err != nil {
			return aborted, err
		}
		aborted++
	}
	return aborted, nil
}

// InvalidateCachedData drops everything cached at or below path, and
// any cached credentials for its bucket.
func (fs *FileSystem) InvalidateCachedData(path string) {
	bucket, _ := utils.SplitBucketKey(path)
	fs.cache.InvalidateRecursive(path)
	fs.creds.Invalidate(bucket)
}

// ClearCache empties the metadata cache.
func (fs *FileSystem) ClearCache() {
	fs.cache.Clear()
}

// NoteObjectWritten updates the caches after a successful write made
// outside the handle layer, such as through ObjectClient. size below
// zero means unknown.
func (fs *FileSystem) NoteObjectWritten(path string, size int64, etag string) {
	props := types.FileProperties{Exists: types.ExistsYes, ETag: etag}
	if size >= 0 {
		props.Size = size
		props.SizeComputed = true
		props.MTime = time.Now()
	}
	fs.cache.SetProperties(path, props)
	parent := utils.Dirname(path)
	fs.cache.InvalidateDirContent(parent)
	// Every ancestor stops being a known-empty directory.
	for p := parent; p != ""; p = utils.Dirname(p) {
		fs.cache.InvalidateDirContent(p)
	}
}

// noteObjectRemoved updates the caches after a successful delete.
func (fs *FileSystem) noteObjectRemoved(path string) {
	fs.cache.Invalidate(path)
	fs.cache.SetProperties(path, types.FileProperties{Exists: types.ExistsNo})
	fs.cache.InvalidateDirContent(utils.Dirname(path))
}
