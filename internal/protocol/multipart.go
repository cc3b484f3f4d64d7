package protocol

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"

	"github.com/OSGeo/gdal-sub056/internal/config"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
)

// InitiateMultipart starts a multipart upload for key and returns the
// upload ID.
func (c *Client) InitiateMultipart(ctx context.Context, key string, opts PutOptions) (string, error) {
	headers := http.Header{}
	if opts.ContentType != "" {
		headers.Set("Content-Type", opts.ContentType)
	}
	for k, v := range opts.Metadata {
		headers.Set("x-amz-meta-"+k, v)
	}
	resp, err := c.do(ctx, request{
		method:  http.MethodPost,
		key:     key,
		query:   "uploads=",
		headers: headers,
	})
	if err != nil {
		return "", err
	}
	var result InitiateMultipartUploadResult
	if err := decodeXML(resp.Body, &result); err != nil {
		return "", err
	}
	if result.UploadID == "" {
		return "", vfserrors.New(vfserrors.ErrCodeInvalidResponse,
			"initiate response carried no upload id").WithContext("key", key)
	}
	return result.UploadID, nil
}

// UploadPart uploads one part and returns its ETag. Part numbers start
// at 1 and may not exceed the provider cap.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, partNumber int, body []byte) (string, error) {
	if partNumber < 1 || partNumber > config.MaxPartCount {
		return "", vfserrors.Newf(vfserrors.ErrCodeTooManyParts,
			"part number %d outside 1..%d, increase the chunk size", partNumber, config.MaxPartCount).
			WithContext("key", key)
	}
	q := url.Values{}
	q.Set("partNumber", strconv.Itoa(partNumber))
	q.Set("uploadId", uploadID)

	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		key:    key,
		query:  q.Encode(),
		body:   body,
	})
	if err != nil {
		return "", err
	}
	etag := trimETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", vfserrors.New(vfserrors.ErrCodeInvalidResponse,
			"part upload response carried no etag").
			WithContext("key", key).
			WithContext("part", strconv.Itoa(partNumber))
	}
	return etag, nil
}

// CompleteMultipart finishes an upload from its ordered part ETags and
// returns the object ETag.
func (c *Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error) {
	doc := CompleteMultipartUpload{Parts: parts}
	body, err := xml.Marshal(doc)
	if err != nil {
		return "", vfserrors.Wrap(vfserrors.ErrCodeInternalError, "failed to encode completion request", err)
	}
	body = append([]byte(xml.Header), body...)

	q := url.Values{}
	q.Set("uploadId", uploadID)
	headers := http.Header{}
	headers.Set("Content-Type", "application/xml")

	resp, err := c.do(ctx, request{
		method:  http.MethodPost,
		key:     key,
		query:   q.Encode(),
		headers: headers,
		body:    body,
	})
	if err != nil {
		return "", err
	}
	// Stores return 200 with an Error body when assembly fails late.
	var result CompleteMultipartUploadResult
	if xmlErr := xml.Unmarshal(resp.Body, &result); xmlErr == nil && result.ETag != "" {
		return trimETag(result.ETag), nil
	}
	var errDoc ErrorDocument
	if xmlErr := xml.Unmarshal(resp.Body, &errDoc); xmlErr == nil && errDoc.Code != "" {
		return "", vfserrors.New(vfserrors.ErrCodeOperationFailed,
			"multipart completion failed: "+errDoc.Message).
			WithContext("key", key).
			WithContext("server_code", errDoc.Code)
	}
	return "", vfserrors.New(vfserrors.ErrCodeInvalidResponse,
		"multipart completion returned an unrecognized body").
		WithContext("key", key)
}

// AbortMultipart abandons an upload, releasing its stored parts.
func (c *Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	_, err := c.do(ctx, request{
		method: http.MethodDelete,
		key:    key,
		query:  q.Encode(),
	}, http.StatusNotFound)
	return err
}

// ListMultipartUploads enumerates in-progress uploads under prefix,
// following pagination to the end.
func (c *Client) ListMultipartUploads(ctx context.Context, prefix string) ([]UploadSummary, error) {
	var uploads []UploadSummary
	keyMarker, idMarker := "", ""
	for {
		q := url.Values{}
		q.Set("uploads", "")
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if keyMarker != "" {
			q.Set("key-marker", keyMarker)
		}
		if idMarker != "" {
			q.Set("upload-id-marker", idMarker)
		}
		resp, err := c.do(ctx, request{method: http.MethodGet, key: "", query: q.Encode()})
		if err != nil {
			return nil, err
		}
		var page ListMultipartUploadsResult
		if err := decodeXML(resp.Body, &page); err != nil {
			return nil, err
		}
		uploads = append(uploads, page.Uploads...)
		if !page.IsTruncated {
			return uploads, nil
		}
		keyMarker, idMarker = page.NextKeyMarker, page.NextUploadIDMarker
	}
}
