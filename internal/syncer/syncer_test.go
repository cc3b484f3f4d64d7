package syncer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSGeo/gdal-sub056/internal/config"
	"github.com/OSGeo/gdal-sub056/internal/protocol"
	"github.com/OSGeo/gdal-sub056/internal/testutil"
	"github.com/OSGeo/gdal-sub056/internal/vfs"
	"github.com/OSGeo/gdal-sub056/pkg/retry"
	"github.com/OSGeo/gdal-sub056/pkg/types"
)

func newTestSyncer(t *testing.T, fake *testutil.FakeS3) *Syncer {
	t.Helper()
	opts := config.Default()
	opts.AccessKeyID = "test-key"
	opts.SecretAccessKey = "test-secret"
	opts.Region = "us-east-1"
	opts.Endpoint = fake.Endpoint()
	opts.UseHTTPS = false
	opts.VirtualHosting = false
	opts.Retry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}
	fs, err := vfs.New(opts, vfs.WithChunkSize(1024))
	require.NoError(t, err)
	return New(fs, nil)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestSyncUploadDirectory(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), []byte("alpha"))
	writeFile(t, filepath.Join(src, "sub", "b.txt"), []byte("beta"))

	err := s.Sync(context.Background(), src, "s3://dst/backup", Options{NumThreads: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"backup/a.txt", "backup/sub/b.txt"}, fake.Keys("dst"))
	assert.Equal(t, "alpha", string(fake.GetObject("dst", "backup/a.txt").Data))
	assert.Equal(t, "beta", string(fake.GetObject("dst", "backup/sub/b.txt").Data))
}

func TestSyncDownloadDirectory(t *testing.T) {
	fake := testutil.NewFakeS3("src")
	defer fake.Close()
	fake.PutObject("src", "pics/one.jpg", []byte("1111"))
	fake.PutObject("src", "pics/deep/two.jpg", []byte("2222"))
	s := newTestSyncer(t, fake)

	dst := t.TempDir()
	err := s.Sync(context.Background(), "s3://src/pics", dst, Options{NumThreads: 2})
	require.NoError(t, err)

	one, err := os.ReadFile(filepath.Join(dst, "one.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "1111", string(one))
	two, err := os.ReadFile(filepath.Join(dst, "deep", "two.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "2222", string(two))
}

func TestSyncLocalToLocal(t *testing.T) {
	fake := testutil.NewFakeS3()
	defer fake.Close()
	s := newTestSyncer(t, fake)

	src := t.TempDir()
	dst := t.TempDir()
	writeFile(t, filepath.Join(src, "f.dat"), bytes.Repeat([]byte("z"), 2048))

	err := s.Sync(context.Background(), src, dst, Options{NumThreads: 2})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "f.dat"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("z"), 2048), got)
	// No network traffic for a local copy.
	assert.Equal(t, 0, fake.TotalRequests())
}

func TestSyncTimestampMatrix(t *testing.T) {
	newer := time.Now()
	older := newer.Add(-time.Hour)
	tests := []struct {
		name     string
		srcMTime time.Time
		dstMTime time.Time
		sameSize bool
		wantSkip bool
	}{
		{"target newer same size", older, newer, true, true},
		{"target equal same size", older, older, true, true},
		{"target older", newer, older, true, false},
		{"size differs", older, newer, false, false},
	}
	fake := testutil.NewFakeS3()
	defer fake.Close()
	s := newTestSyncer(t, fake)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			srcPath := filepath.Join(dir, "src.bin")
			dstPath := filepath.Join(dir, "dst.bin")
			writeFile(t, srcPath, []byte("source data!"))
			dstData := []byte("source data!")
			if !tt.sameSize {
				dstData = []byte("short")
			}
			writeFile(t, dstPath, dstData)
			require.NoError(t, os.Chtimes(srcPath, tt.srcMTime, tt.srcMTime))
			require.NoError(t, os.Chtimes(dstPath, tt.dstMTime, tt.dstMTime))

			task := fileTask{src: srcPath, dst: dstPath, size: 12, mtime: tt.srcMTime}
			skip, err := s.shouldSkip(context.Background(), task, false, types.SyncTimestamp)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSkip, skip)
		})
	}
}

func TestSyncOverwriteNeverSkips(t *testing.T) {
	fake := testutil.NewFakeS3()
	defer fake.Close()
	s := newTestSyncer(t, fake)

	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	writeFile(t, path, []byte("x"))
	task := fileTask{src: path, dst: path, size: 1, mtime: time.Now()}
	skip, err := s.shouldSkip(context.Background(), task, false, types.SyncOverwrite)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestSyncETagSkipsMatchingContent(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)
	ctx := context.Background()

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f.txt"), []byte("stable content"))

	require.NoError(t, s.Sync(ctx, src, "s3://dst/d", Options{Strategy: types.SyncETag}))
	after := fake.RequestCount("PUT")

	// Second run: content unchanged, nothing uploaded.
	require.NoError(t, s.Sync(ctx, src, "s3://dst/d", Options{Strategy: types.SyncETag}))
	assert.Equal(t, after, fake.RequestCount("PUT"))

	// Changed content uploads again even with matching size.
	writeFile(t, filepath.Join(src, "f.txt"), []byte("stable CONTENT"))
	require.NoError(t, s.Sync(ctx, src, "s3://dst/d", Options{Strategy: types.SyncETag}))
	assert.Equal(t, after+1, fake.RequestCount("PUT"))
}

func TestSyncLargeUploadSplitsIntoParts(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)

	// Three chunks at the minimum chunk size.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 2*MinSyncChunkSize/16)
	payload = append(payload, []byte("tail")...)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "big.bin"), payload)

	err := s.Sync(context.Background(), src, "s3://dst/out",
		Options{NumThreads: 4, ChunkSize: MinSyncChunkSize})
	require.NoError(t, err)

	obj := fake.GetObject("dst", "out/big.bin")
	require.NotNil(t, obj)
	assert.Equal(t, payload, obj.Data)
	assert.Contains(t, obj.ETag, "-3")
	assert.Equal(t, 0, fake.PendingUploads())
}

func TestSyncAbortsOpenSessionsOnFailure(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)

	big := bytes.Repeat([]byte("x"), MinSyncChunkSize+4)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.bin"), big)
	writeFile(t, filepath.Join(src, "z.bin"), big)
	// The second session never opens; the first must not leak.
	fake.FailTimes("POST", "out/z.bin", 4)

	err := s.Sync(context.Background(), src, "s3://dst/out",
		Options{NumThreads: 2, ChunkSize: MinSyncChunkSize})
	require.Error(t, err)
	assert.Equal(t, 0, fake.PendingUploads())
}

func TestSyncAbortsSessionWhenCompletionFails(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)
	ctx := context.Background()

	client := s.fs.ObjectClient("dst")
	uploadID, err := client.InitiateMultipart(ctx, "broken.bin", protocol.PutOptions{})
	require.NoError(t, err)
	sess := &uploadSession{client: client, key: "broken.bin", uploadID: uploadID, remaining: 1}

	// The store rejects completion because the part was never uploaded.
	done, err := sess.finishPart(ctx, protocol.CompletedPart{PartNumber: 1, ETag: "bogus"})
	require.True(t, done)
	require.Error(t, err)
	require.Equal(t, 1, fake.PendingUploads())

	s.abortSessions([]*uploadSession{sess})
	assert.Equal(t, 0, fake.PendingUploads())
}

func TestSyncProgressCancel(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)

	src := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		writeFile(t, filepath.Join(src, name), []byte("data"))
	}

	err := s.Sync(context.Background(), src, "s3://dst/x", Options{
		NumThreads: 1,
		Progress: func(complete float64, _ string) bool {
			return false
		},
	})
	require.Error(t, err)
}

func TestRestartPayloadRoundTrip(t *testing.T) {
	etag := "abc123"
	p := &RestartPayload{
		Source:      "/tmp/src",
		Target:      "s3://b/k",
		SourceSize:  100,
		SourceMTime: time.Now().UTC().Truncate(time.Second),
		ChunkSize:   40,
		UploadID:    "upload-1",
		ETags:       []*string{&etag, nil, nil},
	}
	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := ParseRestartPayload(data)
	require.NoError(t, err)
	assert.Equal(t, p.UploadID, got.UploadID)
	require.Len(t, got.ETags, 3)
	assert.Equal(t, "abc123", *got.ETags[0])
	assert.Nil(t, got.ETags[1])
	assert.Nil(t, got.ETags[2])
}

func TestParseRestartPayloadRejectsGarbage(t *testing.T) {
	_, err := ParseRestartPayload([]byte("not json"))
	assert.Error(t, err)
	_, err = ParseRestartPayload([]byte(`{"type":"something-else","upload_id":"u","chunk_size":1}`))
	assert.Error(t, err)
}

func TestCopyFileRestartableEmptySource(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)

	dir := t.TempDir()
	src := filepath.Join(dir, "empty.bin")
	writeFile(t, src, nil)

	payload, err := s.CopyFileRestartable(context.Background(), src, "s3://dst/empty.bin", 1024, 2, nil)
	require.NoError(t, err)
	assert.Nil(t, payload)

	obj := fake.GetObject("dst", "empty.bin")
	require.NotNil(t, obj)
	assert.Empty(t, obj.Data)
	assert.Equal(t, 0, fake.PendingUploads())
	// No multipart session was ever opened.
	assert.Equal(t, 0, fake.RequestCount("POST"))
}

func TestCopyFileRestartableResumesMissingParts(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)
	ctx := context.Background()

	chunk := int64(1024)
	data := bytes.Repeat([]byte("q"), int(chunk*4)) // parts 1..4
	dir := t.TempDir()
	src := filepath.Join(dir, "resume.bin")
	writeFile(t, src, data)
	fi, err := os.Stat(src)
	require.NoError(t, err)

	// Simulate an interrupted run: parts 1 and 2 already uploaded.
	client := s.fs.ObjectClient("dst")
	uploadID, err := client.InitiateMultipart(ctx, "resume.bin", protocol.PutOptions{})
	require.NoError(t, err)
	etag1, err := client.UploadPart(ctx, "resume.bin", uploadID, 1, data[:chunk])
	require.NoError(t, err)
	etag2, err := client.UploadPart(ctx, "resume.bin", uploadID, 2, data[chunk:2*chunk])
	require.NoError(t, err)

	restart := &RestartPayload{
		Source:      src,
		Target:      "s3://dst/resume.bin",
		SourceSize:  fi.Size(),
		SourceMTime: fi.ModTime(),
		ChunkSize:   chunk,
		UploadID:    uploadID,
		ETags:       []*string{&etag1, &etag2, nil, nil},
	}

	putsBefore := fake.RequestCount("PUT")
	remaining, err := s.CopyFileRestartable(ctx, src, "s3://dst/resume.bin", chunk, 2, restart)
	require.NoError(t, err)
	assert.Nil(t, remaining)

	// Only the two missing parts went over the wire.
	assert.Equal(t, putsBefore+2, fake.RequestCount("PUT"))
	obj := fake.GetObject("dst", "resume.bin")
	require.NotNil(t, obj)
	assert.Equal(t, data, obj.Data)
	assert.Equal(t, 0, fake.PendingUploads())
}

func TestCopyFileRestartableRejectsStalePayload(t *testing.T) {
	fake := testutil.NewFakeS3("dst")
	defer fake.Close()
	s := newTestSyncer(t, fake)
	ctx := context.Background()

	chunk := int64(1024)
	dir := t.TempDir()
	src := filepath.Join(dir, "changed.bin")
	writeFile(t, src, bytes.Repeat([]byte("w"), int(chunk*2)))
	fi, err := os.Stat(src)
	require.NoError(t, err)

	stale := &RestartPayload{
		Source:      src,
		Target:      "s3://dst/changed.bin",
		SourceSize:  fi.Size() + 1,
		SourceMTime: fi.ModTime(),
		ChunkSize:   chunk,
		UploadID:    "upload-bogus",
		ETags:       []*string{nil, nil},
	}

	remaining, err := s.CopyFileRestartable(ctx, src, "s3://dst/changed.bin", chunk, 2, stale)
	require.NoError(t, err)
	assert.Nil(t, remaining)
	obj := fake.GetObject("dst", "changed.bin")
	require.NotNil(t, obj)
	assert.Equal(t, bytes.Repeat([]byte("w"), int(chunk*2)), obj.Data)
}
