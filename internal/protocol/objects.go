package protocol

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/OSGeo/gdal-sub056/internal/config"
	vfserrors "github.com/OSGeo/gdal-sub056/pkg/errors"
	"github.com/OSGeo/gdal-sub056/pkg/types"
)

// ObjectProperties are the metadata facts a response carries about an
// object.
type ObjectProperties struct {
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// GetRange reads [offset, offset+length) of the object. A 416 response
// at offset zero means the object is empty and yields empty data rather
// than an error. Stores that ignore the Range header return the whole
// object; the caller slice is trimmed accordingly.
func (c *Client) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, *ObjectProperties, error) {
	headers := http.Header{}
	headers.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.do(ctx, request{
		method:  http.MethodGet,
		key:     key,
		headers: headers,
	}, http.StatusRequestedRangeNotSatisfiable)
	if err != nil {
		return nil, nil, err
	}

	props := propertiesFromHeader(resp.Header)
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
			props.Size = total
		}
		return resp.Body, props, nil
	case http.StatusOK:
		// Range ignored, the full object came back.
		props.Size = int64(len(resp.Body))
		if offset >= int64(len(resp.Body)) {
			return nil, props, nil
		}
		end := offset + length
		if end > int64(len(resp.Body)) {
			end = int64(len(resp.Body))
		}
		return resp.Body[offset:end], props, nil
	case http.StatusRequestedRangeNotSatisfiable:
		if offset == 0 {
			props.Size = 0
			return nil, props, nil
		}
		return nil, nil, vfserrors.New(vfserrors.ErrCodeInvalidSeek,
			"requested range starts beyond end of object").
			WithContext("key", key).
			WithContext("offset", strconv.FormatInt(offset, 10))
	default:
		return nil, nil, vfserrors.Newf(vfserrors.ErrCodeInvalidResponse,
			"unexpected status %d for ranged read", resp.StatusCode)
	}
}

// Head fetches object metadata without the body.
func (c *Client) Head(ctx context.Context, key string) (*ObjectProperties, error) {
	resp, err := c.do(ctx, request{method: http.MethodHead, key: key})
	if err != nil {
		return nil, err
	}
	props := propertiesFromHeader(resp.Header)
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			props.Size = n
		}
	}
	return props, nil
}

// PutOptions carries optional headers for Put and Copy.
type PutOptions struct {
	ContentType string
	ContentMD5  []byte
	Metadata    map[string]string
}

// Put uploads body as a single object.
func (c *Client) Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error) {
	headers := http.Header{}
	if opts.ContentType != "" {
		headers.Set("Content-Type", opts.ContentType)
	}
	if len(opts.ContentMD5) > 0 {
		headers.Set("Content-MD5", base64.StdEncoding.EncodeToString(opts.ContentMD5))
	}
	for k, v := range opts.Metadata {
		headers.Set("x-amz-meta-"+k, v)
	}
	if body == nil {
		body = []byte{}
	}
	resp, err := c.do(ctx, request{
		method:  http.MethodPut,
		key:     key,
		headers: headers,
		body:    body,
	})
	if err != nil {
		return "", err
	}
	return trimETag(resp.Header.Get("ETag")), nil
}

// Delete removes one object. Deleting a missing key succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, key: key}, http.StatusNotFound)
	return err
}

// DeleteBatch removes up to MaxDeleteBatchSize keys in one request and
// returns the keys that could not be deleted, by key.
func (c *Client) DeleteBatch(ctx context.Context, keys []string) (map[string]error, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	if len(keys) > config.MaxDeleteBatchSize {
		return nil, vfserrors.Newf(vfserrors.ErrCodeInternalError,
			"batch delete limited to %d keys, got %d", config.MaxDeleteBatchSize, len(keys))
	}

	doc := DeleteRequest{Quiet: false}
	for _, k := range keys {
		doc.Objects = append(doc.Objects, ObjectToDelete{Key: k})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, vfserrors.Wrap(vfserrors.ErrCodeInternalError, "failed to encode delete request", err)
	}
	body = append([]byte(xml.Header), body...)

	headers := http.Header{}
	headers.Set("Content-Type", "application/xml")

	resp, err := c.do(ctx, request{
		method:  http.MethodPost,
		key:     "",
		query:   "delete=",
		headers: headers,
		body:    body,
	})
	if err != nil {
		return nil, err
	}

	var result DeleteResult
	if err := decodeXML(resp.Body, &result); err != nil {
		return nil, err
	}
	failed := make(map[string]error)
	for _, e := range result.Errors {
		code := vfserrors.ErrCodeOperationFailed
		if e.Code == "AccessDenied" {
			code = vfserrors.ErrCodeAccessDenied
		}
		failed[e.Key] = vfserrors.New(code, e.Message).WithContext("key", e.Key)
	}
	return failed, nil
}

// Copy performs a server-side copy from srcBucket/srcKey onto key in
// this client's bucket. Metadata is replaced when opts.Metadata is
// non-nil, otherwise copied from the source.
func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, key string, opts PutOptions) (string, error) {
	headers := http.Header{}
	name, value := c.helper.CopySourceHeader(srcBucket, srcKey)
	headers.Set(name, value)
	if opts.Metadata != nil {
		headers.Set("x-amz-metadata-directive", "REPLACE")
		for k, v := range opts.Metadata {
			headers.Set("x-amz-meta-"+k, v)
		}
	}
	if opts.ContentType != "" {
		headers.Set("Content-Type", opts.ContentType)
	}

	resp, err := c.do(ctx, request{
		method:  http.MethodPut,
		key:     key,
		headers: headers,
	})
	if err != nil {
		return "", err
	}
	// A 200 with an Error document in the body is a copy failure.
	var copied CopyObjectResult
	if xmlErr := xml.Unmarshal(resp.Body, &copied); xmlErr == nil && copied.ETag != "" {
		return trimETag(copied.ETag), nil
	}
	var doc ErrorDocument
	if xmlErr := xml.Unmarshal(resp.Body, &doc); xmlErr == nil && doc.Code != "" {
		return "", vfserrors.New(vfserrors.ErrCodeOperationFailed,
			"copy failed: "+doc.Message).WithContext("server_code", doc.Code)
	}
	return trimETag(resp.Header.Get("ETag")), nil
}

// ListRequest parameterizes one listing page.
type ListRequest struct {
	Prefix            string
	Delimiter         string
	MaxKeys           int
	ContinuationToken string
}

// ListPage fetches one page of the v2 listing API.
func (c *Client) ListPage(ctx context.Context, req ListRequest) (*ListObjectsResult, error) {
	q := url.Values{}
	q.Set("list-type", "2")
	if req.Prefix != "" {
		q.Set("prefix", req.Prefix)
	}
	if req.Delimiter != "" {
		q.Set("delimiter", req.Delimiter)
	}
	if req.MaxKeys > 0 {
		q.Set("max-keys", strconv.Itoa(req.MaxKeys))
	}
	if req.ContinuationToken != "" {
		q.Set("continuation-token", req.ContinuationToken)
	}

	resp, err := c.do(ctx, request{method: http.MethodGet, key: "", query: q.Encode()})
	if err != nil {
		return nil, err
	}
	var result ListObjectsResult
	if err := decodeXML(resp.Body, &result); err != nil {
		return nil, err
	}
	c.metrics.RecordListingPage()
	return &result, nil
}

// GetTags fetches the object's tag set.
func (c *Client) GetTags(ctx context.Context, key string) (map[string]string, error) {
	resp, err := c.do(ctx, request{method: http.MethodGet, key: key, query: "tagging="})
	if err != nil {
		return nil, err
	}
	var doc Tagging
	if err := decodeXML(resp.Body, &doc); err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(doc.TagSet.Tags))
	for _, t := range doc.TagSet.Tags {
		tags[t.Key] = t.Value
	}
	return tags, nil
}

// SetTags replaces the object's tag set. An empty map deletes all tags.
func (c *Client) SetTags(ctx context.Context, key string, tags map[string]string) error {
	if len(tags) == 0 {
		_, err := c.do(ctx, request{method: http.MethodDelete, key: key, query: "tagging="},
			http.StatusNotFound)
		return err
	}
	doc := Tagging{}
	for k, v := range tags {
		doc.TagSet.Tags = append(doc.TagSet.Tags, Tag{Key: k, Value: v})
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return vfserrors.Wrap(vfserrors.ErrCodeInternalError, "failed to encode tag set", err)
	}
	body = append([]byte(xml.Header), body...)
	headers := http.Header{}
	headers.Set("Content-Type", "application/xml")
	_, err = c.do(ctx, request{
		method:  http.MethodPut,
		key:     key,
		query:   "tagging=",
		headers: headers,
		body:    body,
	})
	return err
}

// propertiesFromHeader extracts the object facts carried by response
// headers, x-amz-meta-* user metadata included.
func propertiesFromHeader(h http.Header) *ObjectProperties {
	props := &ObjectProperties{
		Size:        -1,
		ETag:        trimETag(h.Get("ETag")),
		ContentType: h.Get("Content-Type"),
	}
	if v := h.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			props.LastModified = t
		}
	}
	for name, vals := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(vals) > 0 {
			if props.Metadata == nil {
				props.Metadata = make(map[string]string)
			}
			props.Metadata[strings.TrimPrefix(lower, "x-amz-meta-")] = vals[0]
		}
	}
	return props
}

// totalFromContentRange parses "bytes start-end/total".
func totalFromContentRange(v string) (int64, bool) {
	idx := strings.LastIndexByte(v, '/')
	if idx < 0 || idx == len(v)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// EntryFromObject converts a wire listing entry to a directory entry
// relative to prefix.
func EntryFromObject(obj ObjectEntry, prefix string) types.DirEntry {
	name := strings.TrimPrefix(obj.Key, prefix)
	mtime := time.Time{}
	if t, err := time.Parse(time.RFC3339, obj.LastModified); err == nil {
		mtime = t
	}
	return types.DirEntry{
		Name:  name,
		Size:  obj.Size,
		MTime: mtime,
		ETag:  trimETag(obj.ETag),
	}
}
