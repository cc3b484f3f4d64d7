package protocol

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSGeo/gdal-sub056/internal/credential"
	"github.com/OSGeo/gdal-sub056/internal/sign"
	"github.com/OSGeo/gdal-sub056/internal/testutil"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/retry"
)

func newTestClient(t *testing.T, endpoint, bucket string) *Client {
	t.Helper()
	creds := credential.NewProvider(credential.Options{
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		Region:          "us-east-1",
	}, nil)
	helper := sign.NewS3Helper(sign.S3Options{
		Bucket:   bucket,
		Region:   "us-east-1",
		Endpoint: endpoint,
	})
	return NewClient(ClientOptions{
		Helper:      helper,
		Credentials: creds,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
	})
}

func TestGetRangePartialContent(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	fake.PutObject("b", "k", []byte("0123456789"))
	c := newTestClient(t, fake.Endpoint(), "b")

	data, props, err := c.GetRange(context.Background(), "k", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
	assert.Equal(t, int64(10), props.Size)
}

func TestGetRangeEmptyObjectAtOffsetZero(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	fake.PutObject("b", "empty", nil)
	c := newTestClient(t, fake.Endpoint(), "b")

	data, props, err := c.GetRange(context.Background(), "empty", 0, 1024)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, int64(0), props.Size)
}

func TestGetRangeBeyondEndFails(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	fake.PutObject("b", "k", []byte("abc"))
	c := newTestClient(t, fake.Endpoint(), "b")

	_, _, err := c.GetRange(context.Background(), "k", 100, 10)
	require.Error(t, err)
	assert.Equal(t, vfserrors.ErrCodeInvalidSeek, vfserrors.Code(err))
}

func TestGetRangeTrimsFullBodyResponse(t *testing.T) {
	// A store that ignores the Range header and replies 200 with the
	// whole object.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "0123456789")
	}))
	defer srv.Close()
	c := newTestClient(t, strings.TrimPrefix(srv.URL, "http://"), "b")

	data, props, err := c.GetRange(context.Background(), "k", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(data))
	assert.Equal(t, int64(10), props.Size)

	// Offset past the body yields empty data, not an error.
	data, _, err = c.GetRange(context.Background(), "k", 50, 4)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestErrorMapping(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	c := newTestClient(t, fake.Endpoint(), "b")

	_, err := c.Head(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, vfserrors.IsNotFound(err))
}

func TestRetryOnServerError(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	fake.PutObject("b", "k", []byte("payload"))
	fake.FailTimes("GET", "k", 2)
	c := newTestClient(t, fake.Endpoint(), "b")

	data, _, err := c.GetRange(context.Background(), "k", 0, 7)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, 3, fake.RequestCount("GET"))
}

func TestRetryExhaustion(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	fake.PutObject("b", "k", []byte("payload"))
	fake.FailTimes("GET", "k", 5)
	c := newTestClient(t, fake.Endpoint(), "b")

	_, _, err := c.GetRange(context.Background(), "k", 0, 7)
	require.Error(t, err)
	assert.Equal(t, 3, fake.RequestCount("GET"))
}

func TestWrongRegionRestartsWithoutRetryBudget(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		auth := r.Header.Get("Authorization")
		if !strings.Contains(auth, "/eu-west-1/") {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>AuthorizationHeaderMalformed</Code><Message>region mismatch</Message><Region>eu-west-1</Region></Error>`)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()
	c := newTestClient(t, strings.TrimPrefix(srv.URL, "http://"), "b")

	data, _, err := c.GetRange(context.Background(), "k", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, 2, requests)
}

func TestDeleteBatchRejectsOversizedSet(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	c := newTestClient(t, fake.Endpoint(), "b")

	keys := make([]string, 1001)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%04d", i)
	}
	_, err := c.DeleteBatch(context.Background(), keys)
	require.Error(t, err)
	assert.Equal(t, 0, fake.TotalRequests())
}

func TestListPagePagination(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	for i := 0; i < 5; i++ {
		fake.PutObject("b", fmt.Sprintf("logs/%d.txt", i), []byte("x"))
	}
	c := newTestClient(t, fake.Endpoint(), "b")
	ctx := context.Background()

	var keys []string
	token := ""
	pages := 0
	for {
		page, err := c.ListPage(ctx, ListRequest{
			Prefix: "logs/", Delimiter: "/", MaxKeys: 2, ContinuationToken: token,
		})
		require.NoError(t, err)
		pages++
		for _, obj := range page.Contents {
			keys = append(keys, obj.Key)
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	assert.GreaterOrEqual(t, pages, 3)
	assert.Equal(t, []string{"logs/0.txt", "logs/1.txt", "logs/2.txt", "logs/3.txt", "logs/4.txt"}, keys)
}

func TestCompleteMultipartDetectsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "uploadId") {
			// Complete responses can carry an error inside a 200.
			fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>InternalError</Code><Message>please retry</Message></Error>`)
			return
		}
		fmt.Fprint(w, `<?xml version="1.0"?><InitiateMultipartUploadResult><UploadId>u1</UploadId></InitiateMultipartUploadResult>`)
	}))
	defer srv.Close()
	c := newTestClient(t, strings.TrimPrefix(srv.URL, "http://"), "b")
	ctx := context.Background()

	uploadID, err := c.InitiateMultipart(ctx, "k", PutOptions{})
	require.NoError(t, err)

	_, err = c.CompleteMultipart(ctx, "k", uploadID, []CompletedPart{{PartNumber: 1, ETag: "e"}})
	require.Error(t, err)
}

func TestCompleteMultipartRejectsUnrecognizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "uploadId") {
			fmt.Fprint(w, `<?xml version="1.0"?><Outcome>fine</Outcome>`)
			return
		}
		fmt.Fprint(w, `<?xml version="1.0"?><InitiateMultipartUploadResult><UploadId>u1</UploadId></InitiateMultipartUploadResult>`)
	}))
	defer srv.Close()
	c := newTestClient(t, strings.TrimPrefix(srv.URL, "http://"), "b")
	ctx := context.Background()

	uploadID, err := c.InitiateMultipart(ctx, "k", PutOptions{})
	require.NoError(t, err)

	// A 200 that parses as neither a result nor an error document is a
	// hard failure, not a silent success.
	_, err = c.CompleteMultipart(ctx, "k", uploadID, []CompletedPart{{PartNumber: 1, ETag: "e"}})
	require.Error(t, err)
	assert.Equal(t, vfserrors.ErrCodeInvalidResponse, vfserrors.Code(err))
}

func TestUploadPartBoundsPartNumber(t *testing.T) {
	fake := testutil.NewFakeS3("b")
	defer fake.Close()
	c := newTestClient(t, fake.Endpoint(), "b")
	ctx := context.Background()

	_, err := c.UploadPart(ctx, "k", "u", 0, []byte("x"))
	require.Error(t, err)
	_, err = c.UploadPart(ctx, "k", "u", 10001, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, 0, fake.TotalRequests())
}
