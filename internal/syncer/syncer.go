// Package syncer implements parallel directory synchronization between
// local paths and object-store paths, in either direction, with
// skip strategies and resumable large-file copies.
package syncer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OSGeo/gdal-sub056/internal/buffer"
	"github.com/OSGeo/gdal-sub056/internal/config"
	"github.com/OSGeo/gdal-sub056/internal/protocol"
	"github.com/OSGeo/gdal-sub056/internal/vfs"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/types"
	"github.com/OSGeo/gdal-sub056/pkg/utils"
)

// remoteScheme prefixes object-store paths handed to Sync.
const remoteScheme = "s3://"

// Options tunes one Sync run.
type Options struct {
	// Strategy decides when an up-to-date target file is skipped.
	Strategy types.SyncStrategy
	// NumThreads is the worker count, default 10.
	NumThreads int
	// ChunkSize splits large transfers, default the filesystem chunk
	// size, floor 8 MiB.
	ChunkSize int64
	// Progress, when set, receives completion in [0,1]. Returning false
	// cancels the run.
	Progress types.ProgressFunc
}

// MinSyncChunkSize is the smallest chunk the engine will split a file
// into.
const MinSyncChunkSize = 8 * 1024 * 1024

// Syncer copies directory trees between local disk and object storage.
type Syncer struct {
	fs     *vfs.FileSystem
	logger *slog.Logger
}

// New builds a syncer over fs.
func New(fs *vfs.FileSystem, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{fs: fs, logger: logger.With("component", "syncer")}
}

// fileTask is one file to transfer.
type fileTask struct {
	src     string
	dst     string
	size    int64
	mtime   time.Time
	srcETag string
}

// chunkJob is one unit of worker work: a whole small file, or one chunk
// of a large one.
type chunkJob struct {
	task    fileTask
	offset  int64
	length  int64
	part    int
	session *uploadSession
}

// uploadSession is a shared multipart upload for one large target
// object. The last worker to finish a part completes the upload.
type uploadSession struct {
	client   *protocol.Client
	key      string
	uploadID string

	mu        sync.Mutex
	parts     []protocol.CompletedPart
	remaining int
	failed    bool
}

func (s *uploadSession) finishPart(ctx context.Context, part protocol.CompletedPart) (done bool, err error) {
	s.mu.Lock()
	s.parts = append(s.parts, part)
	s.remaining--
	done = s.remaining == 0
	if done {
		sort.Slice(s.parts, func(i, j int) bool { return s.parts[i].PartNumber < s.parts[j].PartNumber })
	}
	parts := s.parts
	s.mu.Unlock()
	if !done {
		return false, nil
	}
	if _, err = s.client.CompleteMultipart(ctx, s.key, s.uploadID, parts); err != nil {
		// A failed completion leaves the session open on the server.
		s.mu.Lock()
		s.failed = true
		s.mu.Unlock()
	}
	return true, err
}

// Sync copies the tree at source into target. Either side may be an
// object-store path ("s3://bucket/prefix") or a local directory or
// file. The run fails on the first unrecoverable transfer error;
// multipart sessions still open at that point are aborted.
func (s *Syncer) Sync(ctx context.Context, source, target string, opts Options) error {
	if opts.NumThreads <= 0 {
		opts.NumThreads = 10
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = s.fs.ChunkSize()
	}
	if opts.ChunkSize < MinSyncChunkSize {
		opts.ChunkSize = MinSyncChunkSize
	}

	srcRemote := strings.HasPrefix(source, remoteScheme)
	dstRemote := strings.HasPrefix(target, remoteScheme)

	tasks, err := s.plan(ctx, source, target, srcRemote, dstRemote, opts)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		reportProgress(opts.Progress, 1, "nothing to do")
		return nil
	}

	if !dstRemote {
		if err := s.createLocalDirs(tasks); err != nil {
			return err
		}
	}

	jobs, sessions, totalBytes, err := s.buildJobs(ctx, tasks, srcRemote, dstRemote, opts)
	if err != nil {
		// Sessions opened before the failure are already on the server.
		s.abortSessions(sessions)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var doneBytes atomic.Int64
	jobCh := make(chan chunkJob)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < opts.NumThreads; i++ {
		g.Go(func() error {
			for job := range jobCh {
				if err := s.runJob(gctx, job, srcRemote, dstRemote); err != nil {
					return err
				}
				total := doneBytes.Add(job.length)
				if opts.Progress != nil && totalBytes > 0 {
					if !reportProgress(opts.Progress, float64(total)/float64(totalBytes), job.task.dst) {
						cancel()
						return vfserrors.New(vfserrors.ErrCodeOperationCanceled,
							"canceled by progress callback")
					}
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobCh)
		for _, job := range jobs {
			select {
			case jobCh <- job:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		s.abortSessions(sessions)
		return err
	}
	reportProgress(opts.Progress, 1, "done")
	return nil
}

func reportProgress(fn types.ProgressFunc, complete float64, msg string) bool {
	if fn == nil {
		return true
	}
	return fn(complete, msg)
}

// plan enumerates the source and applies the skip strategy against the
// target.
func (s *Syncer) plan(ctx context.Context, source, target string, srcRemote, dstRemote bool, opts Options) ([]fileTask, error) {
	files, err := s.enumerate(ctx, source, srcRemote)
	if err != nil {
		return nil, err
	}

	var tasks []fileTask
	for _, f := range files {
		dst := joinTarget(target, f.rel, dstRemote)
		task := fileTask{src: f.abs, dst: dst, size: f.size, mtime: f.mtime, srcETag: f.etag}
		skip, err := s.shouldSkip(ctx, task, dstRemote, opts.Strategy)
		if err != nil {
			return nil, err
		}
		if skip {
			s.logger.Debug("target up to date", "path", dst)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

type sourceFile struct {
	abs   string
	rel   string
	size  int64
	mtime time.Time
	etag  string
}

func (s *Syncer) enumerate(ctx context.Context, source string, remote bool) ([]sourceFile, error) {
	if remote {
		return s.enumerateRemote(ctx, strings.TrimPrefix(source, remoteScheme))
	}
	info, err := os.Stat(source)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []sourceFile{{
			abs: source, rel: filepath.Base(source),
			size: info.Size(), mtime: info.ModTime(),
		}}, nil
	}
	var out []sourceFile
	err = filepath.Walk(source, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		out = append(out, sourceFile{
			abs: path, rel: filepath.ToSlash(rel),
			size: fi.Size(), mtime: fi.ModTime(),
		})
		return nil
	})
	return out, err
}

func (s *Syncer) enumerateRemote(ctx context.Context, root string) ([]sourceFile, error) {
	props, err := s.fs.Stat(ctx, root)
	if err != nil {
		return nil, err
	}
	if !props.IsDir {
		return []sourceFile{{
			abs: remoteScheme + root, rel: utils.Basename(root),
			size: props.Size, mtime: props.MTime, etag: props.ETag,
		}}, nil
	}
	reader, err := s.fs.OpenDirExt(ctx, root, vfs.DirOptions{RecurseDepth: -1})
	if err != nil {
		return nil, err
	}
	var out []sourceFile
	for {
		e, ok, err := reader.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if e.IsDir {
			continue
		}
		out = append(out, sourceFile{
			abs: remoteScheme + root + "/" + e.Name, rel: e.Name,
			size: e.Size, mtime: e.MTime, etag: e.ETag,
		})
	}
}

func joinTarget(target, rel string, remote bool) string {
	if remote {
		return strings.TrimSuffix(target, "/") + "/" + rel
	}
	return filepath.Join(target, filepath.FromSlash(rel))
}

// shouldSkip applies the strategy against the existing target, if any.
func (s *Syncer) shouldSkip(ctx context.Context, task fileTask, dstRemote bool, strategy types.SyncStrategy) (bool, error) {
	if strategy == types.SyncOverwrite {
		return false, nil
	}

	var dstSize int64
	var dstMTime time.Time
	var dstETag string
	if dstRemote {
		props, err := s.fs.Stat(ctx, strings.TrimPrefix(task.dst, remoteScheme))
		if err != nil {
			if vfserrors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		dstSize, dstMTime, dstETag = props.Size, props.MTime, props.ETag
	} else {
		fi, err := os.Stat(task.dst)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
		dstSize, dstMTime = fi.Size(), fi.ModTime()
	}

	if strategy == types.SyncETag {
		// Hash the local side of the pair against the remote ETag.
		etag := task.srcETag
		local := task.dst
		if etag == "" {
			etag = dstETag
			local = task.src
		}
		// Multipart fingerprints are not a content hash.
		if etag == "" || strings.ContainsRune(etag, '-') {
			return dstSize == task.size && !dstMTime.Before(task.mtime), nil
		}
		sum, err := fileMD5(local)
		if err != nil {
			return false, err
		}
		return sum == etag, nil
	}

	// TIMESTAMP: same size and a target at least as new as the source.
	return dstSize == task.size && !dstMTime.Before(task.mtime), nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// createLocalDirs makes every target directory before workers start so
// concurrent chunk writers never race on mkdir.
func (s *Syncer) createLocalDirs(tasks []fileTask) error {
	dirs := make(map[string]struct{})
	for _, t := range tasks {
		dirs[filepath.Dir(t.dst)] = struct{}{}
	}
	// Sorted order creates parents before children.
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	for _, d := range sorted {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// buildJobs expands tasks into chunk jobs, opening multipart sessions
// for large uploads and preallocating large local targets.
func (s *Syncer) buildJobs(ctx context.Context, tasks []fileTask, srcRemote, dstRemote bool, opts Options) ([]chunkJob, []*uploadSession, int64, error) {
	var jobs []chunkJob
	var sessions []*uploadSession
	var totalBytes int64

	for _, t := range tasks {
		totalBytes += t.size

		splittable := t.size > opts.ChunkSize &&
			// Remote-to-remote copies go server side in one request.
			!(srcRemote && dstRemote) &&
			chunkCount(t.size, opts.ChunkSize) <= config.MaxPartCount

		if !splittable {
			jobs = append(jobs, chunkJob{task: t, offset: 0, length: t.size})
			continue
		}

		var session *uploadSession
		n := chunkCount(t.size, opts.ChunkSize)
		if dstRemote {
			bucket, key := utils.SplitBucketKey(strings.TrimPrefix(t.dst, remoteScheme))
			client := s.fs.ObjectClient(bucket)
			uploadID, err := client.InitiateMultipart(ctx, key, protocol.PutOptions{})
			if err != nil {
				return nil, sessions, 0, err
			}
			session = &uploadSession{client: client, key: key, uploadID: uploadID, remaining: n}
			sessions = append(sessions, session)
		} else {
			if err := preallocate(t.dst, t.size); err != nil {
				return nil, sessions, 0, err
			}
		}

		for i := 0; i < n; i++ {
			offset := int64(i) * opts.ChunkSize
			length := opts.ChunkSize
			if offset+length > t.size {
				length = t.size - offset
			}
			jobs = append(jobs, chunkJob{
				task: t, offset: offset, length: length,
				part: i + 1, session: session,
			})
		}
	}
	return jobs, sessions, totalBytes, nil
}

func chunkCount(size, chunk int64) int {
	return int((size + chunk - 1) / chunk)
}

func preallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

// runJob transfers one chunk or one whole file.
func (s *Syncer) runJob(ctx context.Context, job chunkJob, srcRemote, dstRemote bool) error {
	switch {
	case srcRemote && dstRemote:
		return s.copyRemote(ctx, job)
	case dstRemote:
		return s.upload(ctx, job)
	case srcRemote:
		return s.download(ctx, job)
	default:
		return s.copyLocal(job)
	}
}

func (s *Syncer) copyRemote(ctx context.Context, job chunkJob) error {
	src := strings.TrimPrefix(job.task.src, remoteScheme)
	dst := strings.TrimPrefix(job.task.dst, remoteScheme)
	return s.fs.CopyFile(ctx, src, dst)
}

func (s *Syncer) upload(ctx context.Context, job chunkJob) error {
	path := strings.TrimPrefix(job.task.dst, remoteScheme)
	bucket, key := utils.SplitBucketKey(path)
	client := s.fs.ObjectClient(bucket)

	data, err := readLocalRange(job.task.src, job.offset, job.length)
	if err != nil {
		return err
	}

	if job.session == nil {
		etag, err := client.Put(ctx, key, data, protocol.PutOptions{})
		if err != nil {
			return err
		}
		s.fs.NoteObjectWritten(path, job.task.size, etag)
		return nil
	}
	etag, err := client.UploadPart(ctx, key, job.session.uploadID, job.part, data)
	if err != nil {
		return err
	}
	done, err := job.session.finishPart(ctx, protocol.CompletedPart{PartNumber: job.part, ETag: etag})
	if err != nil {
		return err
	}
	if done {
		s.fs.NoteObjectWritten(path, job.task.size, "")
	}
	return nil
}

func (s *Syncer) download(ctx context.Context, job chunkJob) error {
	bucket, key := utils.SplitBucketKey(strings.TrimPrefix(job.task.src, remoteScheme))
	client := s.fs.ObjectClient(bucket)

	if job.task.size == 0 {
		f, err := os.OpenFile(job.task.dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		return f.Close()
	}

	data, _, err := client.GetRange(ctx, key, job.offset, job.length)
	if err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY
	f, err := os.OpenFile(job.task.dst, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(data, job.offset); err != nil {
		return err
	}
	if job.session == nil && job.part == 0 {
		// Whole-file download: trim any stale tail from a previous copy.
		if err := f.Truncate(job.task.size); err != nil {
			return err
		}
	}
	return f.Close()
}

func (s *Syncer) copyLocal(job chunkJob) error {
	in, err := os.Open(job.task.src)
	if err != nil {
		return err
	}
	defer in.Close()
	if job.part > 0 {
		if _, err := in.Seek(job.offset, io.SeekStart); err != nil {
			return err
		}
		out, err := os.OpenFile(job.task.dst, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer out.Close()
		buf := buffer.Get(1 << 20)
		defer buffer.Put(buf)
		var written int64
		for written < job.length {
			n := int64(len(buf))
			if job.length-written < n {
				n = job.length - written
			}
			readN, readErr := in.Read(buf[:n])
			if readN > 0 {
				if _, err := out.WriteAt(buf[:readN], job.offset+written); err != nil {
					return err
				}
				written += int64(readN)
			}
			if readErr != nil {
				if readErr == io.EOF {
					break
				}
				return readErr
			}
		}
		return out.Close()
	}
	out, err := os.OpenFile(job.task.dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

func readLocalRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(f, offset, length), data); err != nil {
		return nil, err
	}
	return data, nil
}

// abortSessions abandons multipart sessions left incomplete by a failed
// run so their stored parts do not accumulate charges.
func (s *Syncer) abortSessions(sessions []*uploadSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, sess := range sessions {
		sess.mu.Lock()
		incomplete := sess.remaining > 0 || sess.failed
		sess.mu.Unlock()
		if !incomplete {
			continue
		}
		if err := sess.client.AbortMultipart(ctx, sess.key, sess.uploadID); err != nil {
			s.logger.Warn("failed to abort multipart session",
				"key", sess.key, "upload_id", sess.uploadID, "error", err)
		}
	}
}
