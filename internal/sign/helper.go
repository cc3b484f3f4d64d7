package sign

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// RequestHelper abstracts the addressing and authentication dialect of an
// object store. One helper instance serves one bucket and carries the
// mutable endpoint/region state that wrong-region restarts update.
type RequestHelper interface {
	// Bucket returns the bucket this helper addresses.
	Bucket() string
	// URL builds the request URL for a key and optional sorted query
	// string (already encoded, without leading '?').
	URL(key, query string) *url.URL
	// SignRequest authenticates req in place. payloadSHA is the hex
	// SHA-256 of the body, empty for bodyless requests.
	SignRequest(req *http.Request, creds aws.Credentials, payloadSHA string)
	// PresignURL returns a query-authenticated URL for the key.
	PresignURL(method, key string, creds aws.Credentials, expires time.Duration) *url.URL
	// CanRestartOnError inspects a failed response. When the failure is
	// recoverable by redirecting (wrong region or endpoint) the helper
	// updates its own state and reports true; such restarts do not
	// consume the retry budget.
	CanRestartOnError(statusCode int, body []byte) bool
	// CopySourceHeader names the header carrying the copy source, with
	// its value for the given source bucket/key.
	CopySourceHeader(srcBucket, srcKey string) (string, string)
	// RequestPayerHeader returns the requester-pays header pair, or
	// empty strings when not configured.
	RequestPayerHeader() (string, string)
	// Clone returns an independent helper for another bucket sharing
	// this helper's configuration.
	Clone(bucket string) RequestHelper
}

// errorResponse is the XML error body returned by S3-compatible stores.
type errorResponse struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Region   string   `xml:"Region"`
	Endpoint string   `xml:"Endpoint"`
	// AuthorizationHeaderMalformed responses carry the expected region
	// in a differently named element on some implementations.
	ExpectedRegion string `xml:"AuthorizationHeaderMalformed>Region"`
}

// S3Options configures an S3 request helper.
type S3Options struct {
	Bucket         string
	Region         string
	Endpoint       string
	UseHTTPS       bool
	VirtualHosting bool
	RequestPayer   string
}

// S3Helper implements RequestHelper for AWS S3 and compatible stores.
type S3Helper struct {
	opts     S3Options
	signer   *Signer
	restarts int
}

// maxRestarts bounds endpoint/region redirects for one logical
// operation so a misbehaving server cannot loop us forever.
const maxRestarts = 2

// NewS3Helper builds a helper for one bucket.
func NewS3Helper(opts S3Options) *S3Helper {
	if opts.Endpoint == "" {
		opts.Endpoint = s3EndpointForRegion(opts.Region)
	}
	return &S3Helper{opts: opts, signer: NewSigner(opts.Region)}
}

func s3EndpointForRegion(region string) string {
	if region != "" && region != "us-east-1" {
		return "s3." + region + ".amazonaws.com"
	}
	return "s3.amazonaws.com"
}

func (h *S3Helper) Bucket() string { return h.opts.Bucket }

func (h *S3Helper) URL(key, query string) *url.URL {
	scheme := "https"
	if !h.opts.UseHTTPS {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, RawQuery: query}
	if h.opts.VirtualHosting {
		u.Host = h.opts.Bucket + "." + h.opts.Endpoint
		u.Path = "/" + key
	} else {
		u.Host = h.opts.Endpoint
		u.Path = "/" + h.opts.Bucket + "/" + key
	}
	if key == "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/"
	}
	u.RawPath = URIEncode(u.Path, false)
	return u
}

func (h *S3Helper) SignRequest(req *http.Request, creds aws.Credentials, payloadSHA string) {
	h.signer.Sign(req, creds, payloadSHA)
}

func (h *S3Helper) PresignURL(method, key string, creds aws.Credentials, expires time.Duration) *url.URL {
	return h.signer.Presign(method, h.URL(key, ""), creds, expires)
}

func (h *S3Helper) CanRestartOnError(statusCode int, body []byte) bool {
	if h.restarts >= maxRestarts {
		return false
	}
	var er errorResponse
	if err := xml.Unmarshal(body, &er); err != nil {
		return false
	}
	switch er.Code {
	case "AuthorizationHeaderMalformed":
		region := er.Region
		if region == "" {
			region = er.ExpectedRegion
		}
		if region == "" || region == h.opts.Region {
			return false
		}
		h.opts.Region = region
		h.opts.Endpoint = s3EndpointForRegion(region)
		h.signer = NewSigner(region)
		h.restarts++
		return true
	case "PermanentRedirect", "TemporaryRedirect":
		if er.Endpoint == "" {
			return false
		}
		endpoint := er.Endpoint
		// Virtual-hosted redirects include the bucket in the endpoint.
		endpoint = strings.TrimPrefix(endpoint, h.opts.Bucket+".")
		if endpoint == h.opts.Endpoint {
			return false
		}
		h.opts.Endpoint = endpoint
		if region := regionFromEndpoint(endpoint); region != "" && region != h.opts.Region {
			h.opts.Region = region
			h.signer = NewSigner(region)
		}
		h.restarts++
		return true
	}
	return false
}

// regionFromEndpoint extracts the region from hosts shaped like
// s3.us-west-2.amazonaws.com or s3-us-west-2.amazonaws.com.
func regionFromEndpoint(endpoint string) string {
	host := strings.TrimSuffix(endpoint, ".amazonaws.com")
	if host == endpoint {
		return ""
	}
	if after, ok := strings.CutPrefix(host, "s3."); ok {
		return after
	}
	if after, ok := strings.CutPrefix(host, "s3-"); ok {
		return after
	}
	return ""
}

func (h *S3Helper) CopySourceHeader(srcBucket, srcKey string) (string, string) {
	return "x-amz-copy-source", URIEncode("/"+srcBucket+"/"+srcKey, false)
}

func (h *S3Helper) RequestPayerHeader() (string, string) {
	if h.opts.RequestPayer == "" {
		return "", ""
	}
	return "x-amz-request-payer", h.opts.RequestPayer
}

func (h *S3Helper) Clone(bucket string) RequestHelper {
	opts := h.opts
	opts.Bucket = bucket
	clone := &S3Helper{opts: opts, signer: NewSigner(opts.Region)}
	return clone
}

// OSSOptions configures an Alibaba OSS request helper.
type OSSOptions struct {
	Bucket       string
	Region       string
	Endpoint     string
	UseHTTPS     bool
	RequestPayer string
}

// OSSHelper implements RequestHelper for Alibaba OSS. OSS always uses
// virtual-hosted addressing and never redirects across regions, but the
// stores speak the same SigV4 and XML dialect we need here.
type OSSHelper struct {
	opts   OSSOptions
	signer *Signer
}

// NewOSSHelper builds an OSS helper for one bucket.
func NewOSSHelper(opts OSSOptions) *OSSHelper {
	if opts.Endpoint == "" {
		if opts.Region != "" {
			opts.Endpoint = "oss-" + opts.Region + ".aliyuncs.com"
		} else {
			opts.Endpoint = "oss.aliyuncs.com"
		}
	}
	return &OSSHelper{opts: opts, signer: NewSigner(opts.Region)}
}

func (h *OSSHelper) Bucket() string { return h.opts.Bucket }

func (h *OSSHelper) URL(key, query string) *url.URL {
	scheme := "https"
	if !h.opts.UseHTTPS {
		scheme = "http"
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     h.opts.Bucket + "." + h.opts.Endpoint,
		Path:     "/" + key,
		RawQuery: query,
	}
	u.RawPath = URIEncode(u.Path, false)
	return u
}

func (h *OSSHelper) SignRequest(req *http.Request, creds aws.Credentials, payloadSHA string) {
	h.signer.Sign(req, creds, payloadSHA)
}

func (h *OSSHelper) PresignURL(method, key string, creds aws.Credentials, expires time.Duration) *url.URL {
	return h.signer.Presign(method, h.URL(key, ""), creds, expires)
}

func (h *OSSHelper) CanRestartOnError(int, []byte) bool { return false }

func (h *OSSHelper) CopySourceHeader(srcBucket, srcKey string) (string, string) {
	return "x-oss-copy-source", URIEncode("/"+srcBucket+"/"+srcKey, false)
}

func (h *OSSHelper) RequestPayerHeader() (string, string) {
	if h.opts.RequestPayer == "" {
		return "", ""
	}
	return "x-oss-request-payer", h.opts.RequestPayer
}

func (h *OSSHelper) Clone(bucket string) RequestHelper {
	opts := h.opts
	opts.Bucket = bucket
	return NewOSSHelper(opts)
}
