// Package testutil hosts an in-memory S3-compatible server for
// filesystem and sync tests. It speaks just enough of the REST protocol
// for the client under test: ranged reads, listings, multipart uploads,
// batch deletes, copies, and tagging. Signing is accepted but never
// verified.
package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Object is one stored object.
type Object struct {
	Data  []byte
	ETag  string
	MTime time.Time
	Tags  map[string]string
	Meta  map[string]string
}

type multipartUpload struct {
	key   string
	parts map[int][]byte
	etags map[int]string
}

// FakeS3 is an in-memory bucket server. Address it path-style.
type FakeS3 struct {
	mu       sync.Mutex
	objects  map[string]map[string]*Object // bucket -> key -> object
	uploads  map[string]*multipartUpload
	uploadID int

	// Requests counts every request by HTTP verb.
	requests map[string]int
	// FailNext maps "VERB key" to a number of times that request
	// answers 500 before succeeding.
	failNext map[string]int
	// DenyDelete lists keys whose batch delete fails with AccessDenied.
	denyDelete map[string]bool

	server *httptest.Server
}

// NewFakeS3 starts the server with the given buckets pre-created.
func NewFakeS3(buckets ...string) *FakeS3 {
	f := &FakeS3{
		objects:    make(map[string]map[string]*Object),
		uploads:    make(map[string]*multipartUpload),
		requests:   make(map[string]int),
		failNext:   make(map[string]int),
		denyDelete: make(map[string]bool),
	}
	for _, b := range buckets {
		f.objects[b] = make(map[string]*Object)
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// Endpoint returns the host:port to use as the store endpoint.
func (f *FakeS3) Endpoint() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

// Close shuts the server down.
func (f *FakeS3) Close() { f.server.Close() }

// PutObject seeds an object directly.
func (f *FakeS3) PutObject(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects[bucket] == nil {
		f.objects[bucket] = make(map[string]*Object)
	}
	f.objects[bucket][key] = newObject(data)
}

// GetObject returns a stored object, or nil.
func (f *FakeS3) GetObject(bucket, key string) *Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[bucket][key]
}

// Keys returns the sorted keys of bucket.
func (f *FakeS3) Keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects[bucket]))
	for k := range f.objects[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RequestCount returns how many requests used verb so far.
func (f *FakeS3) RequestCount(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[verb]
}

// TotalRequests returns the request count across all verbs.
func (f *FakeS3) TotalRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.requests {
		total += n
	}
	return total
}

// FailTimes makes the next n requests matching verb and key answer 500.
func (f *FakeS3) FailTimes(verb, key string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[verb+" "+key] = n
}

// DenyDeleteOf makes batch deletes of key fail with AccessDenied.
func (f *FakeS3) DenyDeleteOf(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyDelete[key] = true
}

// PendingUploads returns the number of open multipart sessions.
func (f *FakeS3) PendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func newObject(data []byte) *Object {
	sum := md5.Sum(data)
	return &Object{
		Data:  append([]byte(nil), data...),
		ETag:  hex.EncodeToString(sum[:]),
		MTime: time.Now().UTC().Truncate(time.Second),
	}
}

func (f *FakeS3) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	var bucket, key string
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		bucket, key = path[:idx], path[idx+1:]
	} else {
		bucket = path
	}

	f.mu.Lock()
	f.requests[r.Method]++
	failKey := r.Method + " " + key
	if n := f.failNext[failKey]; n > 0 {
		f.failNext[failKey] = n - 1
		f.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "InternalError", "simulated failure")
		return
	}
	objects, bucketOK := f.objects[bucket]
	f.mu.Unlock()

	if !bucketOK {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket does not exist")
		return
	}

	q := r.URL.Query()
	switch {
	case r.Method == http.MethodGet && key == "" && q.Has("uploads"):
		f.listUploads(w, q)
	case r.Method == http.MethodGet && key == "":
		f.list(w, objects, q)
	case r.Method == http.MethodPost && key == "" && q.Has("delete"):
		f.batchDelete(w, r, objects)
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.initiateUpload(w, key)
	case r.Method == http.MethodPost && q.Has("uploadId"):
		f.completeUpload(w, r, objects, q.Get("uploadId"))
	case r.Method == http.MethodPut && q.Has("partNumber"):
		f.uploadPart(w, r, q)
	case r.Method == http.MethodPut && q.Has("tagging"):
		f.putTags(w, r, objects, key)
	case r.Method == http.MethodGet && q.Has("tagging"):
		f.getTags(w, objects, key)
	case r.Method == http.MethodPut && r.Header.Get("x-amz-copy-source") != "":
		f.copyObject(w, r, objects, key)
	case r.Method == http.MethodPut:
		f.putObject(w, r, objects, key)
	case r.Method == http.MethodGet:
		f.getObject(w, r, objects, key)
	case r.Method == http.MethodHead:
		f.headObject(w, objects, key)
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		f.abortUpload(w, q.Get("uploadId"))
	case r.Method == http.MethodDelete && q.Has("tagging"):
		f.deleteTags(w, objects, key)
	case r.Method == http.MethodDelete:
		f.deleteObject(w, objects, key)
	default:
		writeError(w, http.StatusNotImplemented, "NotImplemented", r.Method)
	}
}

func (f *FakeS3) putObject(w http.ResponseWriter, r *http.Request, objects map[string]*Object, key string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}
	obj := newObject(data)
	for name, vals := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(vals) > 0 {
			if obj.Meta == nil {
				obj.Meta = make(map[string]string)
			}
			obj.Meta[strings.TrimPrefix(lower, "x-amz-meta-")] = vals[0]
		}
	}
	f.mu.Lock()
	objects[key] = obj
	f.mu.Unlock()
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeS3) copyObject(w http.ResponseWriter, r *http.Request, objects map[string]*Object, key string) {
	source := strings.TrimPrefix(r.Header.Get("x-amz-copy-source"), "/")
	idx := strings.IndexByte(source, '/')
	if idx < 0 {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "bad copy source")
		return
	}
	srcBucket, srcKey := source[:idx], source[idx+1:]
	f.mu.Lock()
	src := f.objects[srcBucket][srcKey]
	if src == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchKey", "copy source missing")
		return
	}
	dst := newObject(src.Data)
	if r.Header.Get("x-amz-metadata-directive") == "REPLACE" {
		for name, vals := range r.Header {
			lower := strings.ToLower(name)
			if strings.HasPrefix(lower, "x-amz-meta-") && len(vals) > 0 {
				if dst.Meta == nil {
					dst.Meta = make(map[string]string)
				}
				dst.Meta[strings.TrimPrefix(lower, "x-amz-meta-")] = vals[0]
			}
		}
	} else {
		dst.Meta = src.Meta
		dst.Tags = src.Tags
	}
	objects[key] = dst
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `<CopyObjectResult><ETag>%q</ETag><LastModified>%s</LastModified></CopyObjectResult>`,
		dst.ETag, dst.MTime.Format(time.RFC3339))
}

func (f *FakeS3) getObject(w http.ResponseWriter, r *http.Request, objects map[string]*Object, key string) {
	f.mu.Lock()
	obj := objects[key]
	f.mu.Unlock()
	if obj == nil {
		writeError(w, http.StatusNotFound, "NoSuchKey", "object does not exist")
		return
	}
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.Header().Set("Last-Modified", obj.MTime.Format(http.TimeFormat))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
		w.WriteHeader(http.StatusOK)
		w.Write(obj.Data)
		return
	}
	start, end, ok := parseRange(rangeHeader, int64(len(obj.Data)))
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(obj.Data)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(obj.Data)))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(obj.Data[start : end+1])
}

func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if parts[1] != "" {
		if e, err := strconv.ParseInt(parts[1], 10, 64); err == nil && e < end {
			end = e
		}
	}
	return start, end, true
}

func (f *FakeS3) headObject(w http.ResponseWriter, objects map[string]*Object, key string) {
	f.mu.Lock()
	obj := objects[key]
	f.mu.Unlock()
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("ETag", `"`+obj.ETag+`"`)
	w.Header().Set("Last-Modified", obj.MTime.Format(http.TimeFormat))
	for k, v := range obj.Meta {
		w.Header().Set("x-amz-meta-"+k, v)
	}
	w.WriteHeader(http.StatusOK)
}

func (f *FakeS3) deleteObject(w http.ResponseWriter, objects map[string]*Object, key string) {
	f.mu.Lock()
	delete(objects, key)
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type listEntryXML struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int    `xml:"Size"`
}

func (f *FakeS3) list(w http.ResponseWriter, objects map[string]*Object, q map[string][]string) {
	get := func(name string) string {
		if v, ok := q[name]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	prefix := get("prefix")
	delimiter := get("delimiter")
	maxKeys := 1000
	if v := get("max-keys"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxKeys = n
		}
	}
	startAfter := get("continuation-token")

	f.mu.Lock()
	keys := make([]string, 0, len(objects))
	for k := range objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	type item struct {
		entry  listEntryXML
		prefix string
	}
	var items []item
	seenPrefixes := make(map[string]bool)
	truncated := false
	next := ""
	for _, k := range keys {
		if startAfter != "" && k <= startAfter {
			continue
		}
		if delimiter != "" {
			rest := strings.TrimPrefix(k, prefix)
			if idx := strings.Index(rest, delimiter); idx >= 0 {
				cp := prefix + rest[:idx+len(delimiter)]
				if !seenPrefixes[cp] {
					seenPrefixes[cp] = true
					items = append(items, item{prefix: cp})
				}
				if len(items) >= maxKeys {
					truncated, next = true, k
					break
				}
				continue
			}
		}
		obj := objects[k]
		items = append(items, item{entry: listEntryXML{
			Key:          k,
			LastModified: obj.MTime.Format(time.RFC3339),
			ETag:         `"` + obj.ETag + `"`,
			Size:         len(obj.Data),
		}})
		if len(items) >= maxKeys {
			truncated, next = true, k
			break
		}
	}
	f.mu.Unlock()

	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<ListBucketResult><Name>bucket</Name>`)
	fmt.Fprintf(&b, "<Prefix>%s</Prefix><MaxKeys>%d</MaxKeys><IsTruncated>%t</IsTruncated>",
		xmlEscape(prefix), maxKeys, truncated)
	if truncated {
		fmt.Fprintf(&b, "<NextContinuationToken>%s</NextContinuationToken>", xmlEscape(next))
	}
	for _, it := range items {
		if it.prefix != "" {
			fmt.Fprintf(&b, "<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>", xmlEscape(it.prefix))
			continue
		}
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><LastModified>%s</LastModified><ETag>%s</ETag><Size>%d</Size></Contents>",
			xmlEscape(it.entry.Key), it.entry.LastModified, xmlEscape(it.entry.ETag), it.entry.Size)
	}
	b.WriteString(`</ListBucketResult>`)
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, b.String())
}

func (f *FakeS3) batchDelete(w http.ResponseWriter, r *http.Request, objects map[string]*Object) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Objects []struct {
			Key string `xml:"Key"`
		} `xml:"Object"`
	}
	if err := xml.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<DeleteResult>`)
	f.mu.Lock()
	for _, o := range req.Objects {
		if f.denyDelete[o.Key] {
			fmt.Fprintf(&b, "<Error><Key>%s</Key><Code>AccessDenied</Code><Message>denied</Message></Error>",
				xmlEscape(o.Key))
			continue
		}
		delete(objects, o.Key)
		fmt.Fprintf(&b, "<Deleted><Key>%s</Key></Deleted>", xmlEscape(o.Key))
	}
	f.mu.Unlock()
	b.WriteString(`</DeleteResult>`)
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, b.String())
}

func (f *FakeS3) initiateUpload(w http.ResponseWriter, key string) {
	f.mu.Lock()
	f.uploadID++
	id := fmt.Sprintf("upload-%d", f.uploadID)
	f.uploads[id] = &multipartUpload{key: key, parts: make(map[int][]byte), etags: make(map[int]string)}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `%s<InitiateMultipartUploadResult><Bucket>b</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`,
		xml.Header, xmlEscape(key), id)
}

func (f *FakeS3) uploadPart(w http.ResponseWriter, r *http.Request, q map[string][]string) {
	id := first(q, "uploadId")
	partNumber, _ := strconv.Atoi(first(q, "partNumber"))
	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	up := f.uploads[id]
	if up == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchUpload", "upload does not exist")
		return
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])
	up.parts[partNumber] = data
	up.etags[partNumber] = etag
	f.mu.Unlock()

	w.Header().Set("ETag", `"`+etag+`"`)
	w.WriteHeader(http.StatusOK)
}

func (f *FakeS3) completeUpload(w http.ResponseWriter, r *http.Request, objects map[string]*Object, id string) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		Parts []struct {
			PartNumber int    `xml:"PartNumber"`
			ETag       string `xml:"ETag"`
		} `xml:"Part"`
	}
	if err := xml.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}

	f.mu.Lock()
	up := f.uploads[id]
	if up == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchUpload", "upload does not exist")
		return
	}
	var data []byte
	for _, p := range req.Parts {
		part, ok := up.parts[p.PartNumber]
		if !ok || up.etags[p.PartNumber] != strings.Trim(p.ETag, `"`) {
			f.mu.Unlock()
			writeError(w, http.StatusBadRequest, "InvalidPart", "part missing or etag mismatch")
			return
		}
		data = append(data, part...)
	}
	obj := newObject(data)
	obj.ETag = obj.ETag + "-" + strconv.Itoa(len(req.Parts))
	objects[up.key] = obj
	delete(f.uploads, id)
	key := up.key
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, `%s<CompleteMultipartUploadResult><Key>%s</Key><ETag>%q</ETag></CompleteMultipartUploadResult>`,
		xml.Header, xmlEscape(key), obj.ETag)
}

func (f *FakeS3) abortUpload(w http.ResponseWriter, id string) {
	f.mu.Lock()
	delete(f.uploads, id)
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeS3) listUploads(w http.ResponseWriter, q map[string][]string) {
	prefix := first(q, "prefix")
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<ListMultipartUploadsResult><IsTruncated>false</IsTruncated>`)
	f.mu.Lock()
	for id, up := range f.uploads {
		if prefix != "" && !strings.HasPrefix(up.key, prefix) {
			continue
		}
		fmt.Fprintf(&b, "<Upload><Key>%s</Key><UploadId>%s</UploadId></Upload>", xmlEscape(up.key), id)
	}
	f.mu.Unlock()
	b.WriteString(`</ListMultipartUploadsResult>`)
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, b.String())
}

func (f *FakeS3) putTags(w http.ResponseWriter, r *http.Request, objects map[string]*Object, key string) {
	body, _ := io.ReadAll(r.Body)
	var doc struct {
		TagSet struct {
			Tags []struct {
				Key   string `xml:"Key"`
				Value string `xml:"Value"`
			} `xml:"Tag"`
		} `xml:"TagSet"`
	}
	if err := xml.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}
	f.mu.Lock()
	obj := objects[key]
	if obj == nil {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "NoSuchKey", "object does not exist")
		return
	}
	obj.Tags = make(map[string]string)
	for _, t := range doc.TagSet.Tags {
		obj.Tags[t.Key] = t.Value
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *FakeS3) deleteTags(w http.ResponseWriter, objects map[string]*Object, key string) {
	f.mu.Lock()
	if obj := objects[key]; obj != nil {
		obj.Tags = nil
	}
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeS3) getTags(w http.ResponseWriter, objects map[string]*Object, key string) {
	f.mu.Lock()
	obj := objects[key]
	f.mu.Unlock()
	if obj == nil {
		writeError(w, http.StatusNotFound, "NoSuchKey", "object does not exist")
		return
	}
	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<Tagging><TagSet>`)
	for k, v := range obj.Tags {
		fmt.Fprintf(&b, "<Tag><Key>%s</Key><Value>%s</Value></Tag>", xmlEscape(k), xmlEscape(v))
	}
	b.WriteString(`</TagSet></Tagging>`)
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, b.String())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `%s<Error><Code>%s</Code><Message>%s</Message></Error>`,
		xml.Header, code, xmlEscape(message))
}

func first(q map[string][]string, name string) string {
	if v, ok := q[name]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func xmlEscape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
