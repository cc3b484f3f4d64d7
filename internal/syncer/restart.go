package syncer

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OSGeo/gdal-sub056/internal/protocol"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/utils"
)

// RestartPayload captures enough of an interrupted large upload to
// resume it: the open multipart session and the ETags of the parts
// already stored. Nil entries mark parts still to upload. The payload
// only resumes cleanly while the source file is unchanged; any size,
// mtime, or chunk mismatch restarts from scratch.
type RestartPayload struct {
	Type        string     `json:"type"`
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	SourceSize  int64      `json:"source_size"`
	SourceMTime time.Time  `json:"source_mtime"`
	ChunkSize   int64      `json:"chunk_size"`
	UploadID    string     `json:"upload_id"`
	ETags       []*string `json:"etags"`
}

// payloadType identifies the document format.
const payloadType = "multipart-upload-restart"

// Marshal serializes the payload.
func (p *RestartPayload) Marshal() ([]byte, error) {
	p.Type = payloadType
	return json.MarshalIndent(p, "", "  ")
}

// ParseRestartPayload deserializes and checks a payload document.
func ParseRestartPayload(data []byte) (*RestartPayload, error) {
	var p RestartPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, vfserrors.Wrap(vfserrors.ErrCodeRestartMismatch,
			"failed to parse restart payload", err)
	}
	if p.Type != payloadType {
		return nil, vfserrors.Newf(vfserrors.ErrCodeRestartMismatch,
			"unexpected restart payload type %q", p.Type)
	}
	if p.UploadID == "" || p.ChunkSize <= 0 {
		return nil, vfserrors.New(vfserrors.ErrCodeRestartMismatch,
			"restart payload incomplete")
	}
	return &p, nil
}

// Validate checks the payload against the current source file state.
func (p *RestartPayload) Validate(source string) error {
	fi, err := os.Stat(source)
	if err != nil {
		return err
	}
	if fi.Size() != p.SourceSize {
		return vfserrors.Newf(vfserrors.ErrCodeRestartMismatch,
			"source size changed: payload %d, file %d", p.SourceSize, fi.Size())
	}
	if !fi.ModTime().Equal(p.SourceMTime) {
		return vfserrors.New(vfserrors.ErrCodeRestartMismatch,
			"source modified since the payload was written")
	}
	want := chunkCount(p.SourceSize, p.ChunkSize)
	if len(p.ETags) != want {
		return vfserrors.Newf(vfserrors.ErrCodeRestartMismatch,
			"payload part count %d does not match %d chunks", len(p.ETags), want)
	}
	return nil
}

// CopyFileRestartable uploads one local file to a remote target as a
// multipart upload, resuming from payload when given. It returns the
// payload describing the session on failure so a later call can resume;
// a nil payload with a nil error means the upload completed.
func (s *Syncer) CopyFileRestartable(ctx context.Context, source, target string, chunkSize int64, numThreads int, payload *RestartPayload) (*RestartPayload, error) {
	if chunkSize <= 0 {
		chunkSize = s.fs.ChunkSize()
	}
	if numThreads <= 0 {
		numThreads = 10
	}
	bucket, key := utils.SplitBucketKey(strings.TrimPrefix(target, remoteScheme))
	client := s.fs.ObjectClient(bucket)

	fi, err := os.Stat(source)
	if err != nil {
		return nil, err
	}
	n := chunkCount(fi.Size(), chunkSize)
	if n == 0 {
		// Stores reject completing a multipart upload with no parts.
		if payload != nil {
			_ = client.AbortMultipart(ctx, key, payload.UploadID)
		}
		if _, err := client.Put(ctx, key, nil, protocol.PutOptions{}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if payload != nil {
		if err := payload.Validate(source); err != nil {
			s.logger.Warn("restart payload rejected, uploading from scratch",
				"source", source, "error", err)
			_ = client.AbortMultipart(ctx, key, payload.UploadID)
			payload = nil
		}
	}
	if payload == nil {
		uploadID, err := client.InitiateMultipart(ctx, key, protocol.PutOptions{})
		if err != nil {
			return nil, err
		}
		payload = &RestartPayload{
			Source:      source,
			Target:      target,
			SourceSize:  fi.Size(),
			SourceMTime: fi.ModTime(),
			ChunkSize:   chunkSize,
			UploadID:    uploadID,
			ETags:       make([]*string, n),
		}
	}

	type partJob struct {
		index  int
		offset int64
		length int64
	}
	var pending []partJob
	for i := 0; i < n; i++ {
		if payload.ETags[i] != nil {
			continue
		}
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > fi.Size() {
			length = fi.Size() - offset
		}
		pending = append(pending, partJob{index: i, offset: offset, length: length})
	}

	var mu sync.Mutex
	jobCh := make(chan partJob)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < numThreads; w++ {
		g.Go(func() error {
			for job := range jobCh {
				data, err := readLocalRange(source, job.offset, job.length)
				if err != nil {
					return err
				}
				etag, err := client.UploadPart(gctx, key, payload.UploadID, job.index+1, data)
				if err != nil {
					return err
				}
				mu.Lock()
				payload.ETags[job.index] = &etag
				mu.Unlock()
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(jobCh)
		for _, job := range pending {
			select {
			case jobCh <- job:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		// The session stays open; hand the payload back for a resume.
		return payload, err
	}

	parts := make([]protocol.CompletedPart, n)
	for i, etag := range payload.ETags {
		parts[i] = protocol.CompletedPart{PartNumber: i + 1, ETag: *etag}
	}
	if _, err := client.CompleteMultipart(ctx, key, payload.UploadID, parts); err != nil {
		return payload, err
	}
	return nil, nil
}
