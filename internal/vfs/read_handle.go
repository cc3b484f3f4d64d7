package vfs

import (
	"context"
	"io"
	"strconv"

	"github.com/OSGeo/gdal-sub056/internal/protocol"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/types"
	"github.com/OSGeo/gdal-sub056/pkg/utils"
)

// minFetchSize is the smallest ranged read issued against the store.
// Small sequential reads coalesce into one request of this size.
const minFetchSize = 16 * 1024

// ReadHandle reads one object through ranged requests. It is not safe
// for concurrent use; open one handle per goroutine.
type ReadHandle struct {
	fs     *FileSystem
	client *protocol.Client
	path   string
	key    string

	offset int64
	size   int64

	buf      []byte
	bufStart int64

	eof    bool
	closed bool
}

// Open opens path ("bucket/key") for reading. Existence is verified up
// front so a missing object fails here rather than on the first Read.
func (fs *FileSystem) Open(ctx context.Context, path string) (*ReadHandle, error) {
	if err := utils.ValidatePath(path); err != nil {
		return nil, err
	}
	bucket, key := utils.SplitBucketKey(path)
	if key == "" {
		return nil, vfserrors.New(vfserrors.ErrCodeIsDirectory, "cannot open a bucket for reading").
			WithContext("path", path)
	}

	size := int64(-1)
	if props, ok := fs.cache.GetProperties(path); ok {
		fs.metrics.RecordCacheLookup(true)
		if props.Exists == types.ExistsNo {
			return nil, vfserrors.New(vfserrors.ErrCodeObjectNotFound, "object does not exist").
				WithContext("path", path)
		}
		if props.IsDir {
			return nil, vfserrors.New(vfserrors.ErrCodeIsDirectory, "path is a directory").
				WithContext("path", path)
		}
		if props.Exists == types.ExistsYes && props.SizeComputed {
			size = props.Size
		}
	} else {
		fs.metrics.RecordCacheLookup(false)
	}

	client := fs.client(bucket)
	if size < 0 {
		props, err := client.Head(ctx, key)
		if err != nil {
			if vfserrors.IsNotFound(err) {
				fs.cache.SetProperties(path, types.FileProperties{Exists: types.ExistsNo})
			}
			return nil, err
		}
		size = props.Size
		fs.cache.SetProperties(path, types.FileProperties{
			Exists:       types.ExistsYes,
			Size:         size,
			SizeComputed: size >= 0,
			MTime:        props.LastModified,
			ETag:         props.ETag,
		})
	}

	return &ReadHandle{
		fs:     fs,
		client: client,
		path:   path,
		key:    key,
		size:   size,
	}, nil
}

// Read fills p from the current offset, advancing it. Returns io.EOF
// once the offset reaches the end of the object.
func (h *ReadHandle) Read(p []byte) (int, error) {
	return h.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation.
func (h *ReadHandle) ReadContext(ctx context.Context, p []byte) (int, error) {
	if h.closed {
		return 0, vfserrors.New(vfserrors.ErrCodeHandleClosed, "read on closed handle").
			WithContext("path", h.path)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if h.size >= 0 && h.offset >= h.size {
		h.eof = true
		return 0, io.EOF
	}

	filled := 0
	for filled < len(p) {
		n := h.copyFromBuffer(p[filled:])
		filled += n
		if filled == len(p) {
			break
		}
		if h.size >= 0 && h.offset >= h.size {
			break
		}
		if err := h.fill(ctx, int64(len(p)-filled)); err != nil {
			if filled > 0 {
				return filled, nil
			}
			return 0, err
		}
		if len(h.buf) == 0 || h.bufStart+int64(len(h.buf)) <= h.offset {
			// The store returned nothing at this offset.
			break
		}
	}
	if filled == 0 {
		h.eof = true
		return 0, io.EOF
	}
	return filled, nil
}

func (h *ReadHandle) copyFromBuffer(p []byte) int {
	if h.buf == nil || h.offset < h.bufStart || h.offset >= h.bufStart+int64(len(h.buf)) {
		return 0
	}
	n := copy(p, h.buf[h.offset-h.bufStart:])
	h.offset += int64(n)
	return n
}

// fill fetches at least want bytes from the current offset, rounded up
// to the minimum fetch size and clamped to the known object size.
func (h *ReadHandle) fill(ctx context.Context, want int64) error {
	length := want
	if length < minFetchSize {
		length = minFetchSize
	}
	if h.size >= 0 && h.offset+length > h.size {
		length = h.size - h.offset
	}
	if length <= 0 {
		return nil
	}

	data, props, err := h.client.GetRange(ctx, h.key, h.offset, length)
	if err != nil {
		return err
	}
	if props != nil && props.Size >= 0 {
		h.size = props.Size
		h.fs.cache.SetProperties(h.path, types.FileProperties{
			Exists:       types.ExistsYes,
			Size:         props.Size,
			SizeComputed: true,
			MTime:        props.LastModified,
			ETag:         props.ETag,
		})
	}
	h.buf = data
	h.bufStart = h.offset
	return nil
}

// Seek repositions the handle. Whence follows the io.Seeker convention;
// io.SeekEnd requires the object size to be known.
func (h *ReadHandle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, vfserrors.New(vfserrors.ErrCodeHandleClosed, "seek on closed handle").
			WithContext("path", h.path)
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = h.offset + offset
	case io.SeekEnd:
		if h.size < 0 {
			return 0, vfserrors.New(vfserrors.ErrCodeInvalidSeek, "size unknown, cannot seek from end").
				WithContext("path", h.path)
		}
		target = h.size + offset
	default:
		return 0, vfserrors.Newf(vfserrors.ErrCodeInvalidSeek, "invalid whence %d", whence)
	}
	if target < 0 {
		return 0, vfserrors.New(vfserrors.ErrCodeInvalidSeek, "negative seek position").
			WithContext("path", h.path).
			WithContext("target", strconv.FormatInt(target, 10))
	}
	h.offset = target
	h.eof = false
	return target, nil
}

// Tell returns the current offset.
func (h *ReadHandle) Tell() int64 { return h.offset }

// EOF reports whether a read has hit the end of the object. Seek clears
// it.
func (h *ReadHandle) EOF() bool { return h.eof }

// Size returns the object size, or -1 while unknown.
func (h *ReadHandle) Size() int64 { return h.size }

// Close releases the handle's buffer. Close is idempotent.
func (h *ReadHandle) Close() error {
	h.closed = true
	h.buf = nil
	return nil
}
