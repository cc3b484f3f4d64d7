package vfs

import (
	"context"
	"io"
	"strconv"

	"github.com/OSGeo/gdal-sub056/internal/protocol"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/utils"
)

type writeState int

const (
	// writeBuffering accumulates bytes; no request has been issued yet.
	writeBuffering writeState = iota
	// writeMultipart has an upload session open with at least one part
	// sent.
	writeMultipart
	// writeClosed is terminal after a successful Close.
	writeClosed
	// writeFailed is terminal after any upload error; further writes
	// fail and Close aborts the session.
	writeFailed
)

// WriteHandle writes one object. Content up to one chunk is held in
// memory and sent as a single PUT on Close; anything larger streams
// through a multipart upload, one part per full chunk. The handle is
// append-only and not safe for concurrent use.
type WriteHandle struct {
	fs     *FileSystem
	client *protocol.Client
	path   string
	key    string
	opts   protocol.PutOptions

	chunkSize int64
	buf       []byte
	offset    int64

	state    writeState
	uploadID string
	parts    []protocol.CompletedPart
	err      error
}

// Create opens path ("bucket/key") for writing. Any existing object is
// replaced when the handle is successfully closed; nothing is visible
// until then.
func (fs *FileSystem) Create(ctx context.Context, path string, opts protocol.PutOptions) (*WriteHandle, error) {
	if err := utils.ValidatePath(path); err != nil {
		return nil, err
	}
	bucket, key := utils.SplitBucketKey(path)
	if key == "" {
		return nil, vfserrors.New(vfserrors.ErrCodeIsDirectory, "cannot open a bucket for writing").
			WithContext("path", path)
	}
	return &WriteHandle{
		fs:        fs,
		client:    fs.client(bucket),
		path:      path,
		key:       key,
		opts:      opts,
		chunkSize: fs.chunkSize,
	}, nil
}

// Write appends p. Returns 0 and the stored error once the handle has
// failed.
func (h *WriteHandle) Write(p []byte) (int, error) {
	return h.WriteContext(context.Background(), p)
}

// WriteContext is Write with cancellation.
func (h *WriteHandle) WriteContext(ctx context.Context, p []byte) (int, error) {
	switch h.state {
	case writeClosed:
		return 0, vfserrors.New(vfserrors.ErrCodeHandleClosed, "write on closed handle").
			WithContext("path", h.path)
	case writeFailed:
		return 0, vfserrors.Wrap(vfserrors.ErrCodeHandleInError,
			"handle failed, discarding write", h.err).WithContext("path", h.path)
	}

	h.buf = append(h.buf, p...)
	h.offset += int64(len(p))

	// Promotion happens only once a second chunk's worth of data begins:
	// exactly one full chunk still closes as a single PUT.
	for int64(len(h.buf)) > h.chunkSize {
		if err := h.flushChunk(ctx); err != nil {
			h.fail(err)
			return 0, err
		}
	}
	return len(p), nil
}

// flushChunk sends exactly one full chunk as a part, promoting the
// handle to a multipart session on the first flush.
func (h *WriteHandle) flushChunk(ctx context.Context) error {
	if h.state == writeBuffering {
		uploadID, err := h.client.InitiateMultipart(ctx, h.key, h.opts)
		if err != nil {
			return err
		}
		h.uploadID = uploadID
		h.state = writeMultipart
	}

	partNumber := len(h.parts) + 1
	etag, err := h.client.UploadPart(ctx, h.key, h.uploadID, partNumber, h.buf[:h.chunkSize])
	if err != nil {
		return err
	}
	h.parts = append(h.parts, protocol.CompletedPart{PartNumber: partNumber, ETag: etag})
	h.buf = h.buf[h.chunkSize:]
	return nil
}

// Seek only supports repositioning to the current offset; the handle is
// append-only.
func (h *WriteHandle) Seek(offset int64, whence int) (int64, error) {
	target := offset
	if whence == io.SeekCurrent || whence == io.SeekEnd {
		// The logical end is the current offset on an append-only handle.
		target = h.offset + offset
	}
	if target != h.offset {
		return 0, vfserrors.New(vfserrors.ErrCodeInvalidSeek,
			"write handles are append-only").
			WithContext("path", h.path).
			WithContext("target", strconv.FormatInt(target, 10))
	}
	return h.offset, nil
}

// Tell returns the number of bytes written so far.
func (h *WriteHandle) Tell() int64 { return h.offset }

// Close finishes the object. A buffered handle issues one PUT (a
// zero-byte object when nothing was written); a multipart session
// uploads the trailing partial part and completes. A failed handle
// aborts its session and returns the original error.
func (h *WriteHandle) Close() error {
	return h.CloseContext(context.Background())
}

// CloseContext is Close with cancellation.
func (h *WriteHandle) CloseContext(ctx context.Context) error {
	switch h.state {
	case writeClosed:
		return nil
	case writeFailed:
		h.abort(ctx)
		h.state = writeClosed
		return vfserrors.Wrap(vfserrors.ErrCodeHandleInError, "handle failed before close", h.err).
			WithContext("path", h.path)
	}

	var etag string
	var err error
	if h.state == writeBuffering {
		etag, err = h.client.Put(ctx, h.key, h.buf, h.opts)
	} else {
		if len(h.buf) > 0 {
			partNumber := len(h.parts) + 1
			var partETag string
			partETag, err = h.client.UploadPart(ctx, h.key, h.uploadID, partNumber, h.buf)
			if err == nil {
				h.parts = append(h.parts, protocol.CompletedPart{PartNumber: partNumber, ETag: partETag})
			}
		}
		if err == nil {
			etag, err = h.client.CompleteMultipart(ctx, h.key, h.uploadID, h.parts)
		}
	}
	if err != nil {
		h.fail(err)
		h.abort(ctx)
		h.state = writeClosed
		return err
	}

	h.buf = nil
	h.state = writeClosed
	h.fs.NoteObjectWritten(h.path, h.offset, etag)
	return nil
}

// Abort discards the handle without writing an object.
func (h *WriteHandle) Abort(ctx context.Context) error {
	if h.state == writeClosed {
		return nil
	}
	h.abort(ctx)
	h.buf = nil
	h.state = writeClosed
	return nil
}

func (h *WriteHandle) fail(err error) {
	if h.state != writeFailed {
		h.err = err
		h.state = writeFailed
		h.fs.logger.Warn("write handle failed", "path", h.path, "error", err)
	}
}

func (h *WriteHandle) abort(ctx context.Context) {
	if h.uploadID == "" {
		return
	}
	if err := h.client.AbortMultipart(ctx, h.key, h.uploadID); err != nil {
		h.fs.logger.Warn("failed to abort multipart upload",
			"path", h.path, "upload_id", h.uploadID, "error", err)
	}
	h.uploadID = ""
}
