// Package sign implements AWS Signature Version 4 request signing and
// presigning for outgoing object-store requests, plus the RequestHelper
// abstraction that hides provider addressing differences.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
)

const (
	amzDateFormat  = "20060102T150405Z"
	dateStampFmt   = "20060102"
	signingAlgo    = "AWS4-HMAC-SHA256"
	terminator     = "aws4_request"
	emptyBodySHA   = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	unsignedSHA    = "UNSIGNED-PAYLOAD"
	serviceS3      = "s3"
	headerAmzDate  = "X-Amz-Date"
	headerAmzSHA   = "X-Amz-Content-Sha256"
	headerAmzToken = "X-Amz-Security-Token"
)

// Signer signs requests for one service/region pair.
type Signer struct {
	Region  string
	Service string
	Now     func() time.Time
}

// NewSigner builds a SigV4 signer for the given region.
func NewSigner(region string) *Signer {
	if region == "" {
		region = "us-east-1"
	}
	return &Signer{Region: region, Service: serviceS3, Now: time.Now}
}

// Sign adds Authorization and the x-amz-* auth headers to req. payloadSHA
// is the hex SHA-256 of the request body, or empty for a bodyless
// request.
func (s *Signer) Sign(req *http.Request, creds aws.Credentials, payloadSHA string) {
	now := s.Now().UTC()
	amzDate := now.Format(amzDateFormat)
	dateStamp := now.Format(dateStampFmt)

	if payloadSHA == "" {
		payloadSHA = emptyBodySHA
	}
	req.Header.Set(headerAmzDate, amzDate)
	req.Header.Set(headerAmzSHA, payloadSHA)
	if creds.SessionToken != "" {
		req.Header.Set(headerAmzToken, creds.SessionToken)
	}

	canonHeaders, signedHeaders := canonicalHeaders(req)
	canonical := strings.Join([]string{
		req.Method,
		URIEncode(req.URL.Path, false),
		canonicalQuery(req.URL.Query()),
		canonHeaders,
		signedHeaders,
		payloadSHA,
	}, "\n")

	scope := strings.Join([]string{dateStamp, s.Region, s.Service, terminator}, "/")
	stringToSign := strings.Join([]string{
		signingAlgo,
		amzDate,
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(
		s.signingKey(creds.SecretAccessKey, dateStamp), []byte(stringToSign)))

	req.Header.Set("Authorization", signingAlgo+
		" Credential="+creds.AccessKeyID+"/"+scope+
		", SignedHeaders="+signedHeaders+
		", Signature="+signature)
}

// Presign returns a copy of u carrying query-string authentication valid
// for the given lifetime. Only GET/HEAD/PUT/DELETE without a signed body
// are supported.
func (s *Signer) Presign(method string, u *url.URL, creds aws.Credentials, expires time.Duration) *url.URL {
	now := s.Now().UTC()
	amzDate := now.Format(amzDateFormat)
	dateStamp := now.Format(dateStampFmt)
	scope := strings.Join([]string{dateStamp, s.Region, s.Service, terminator}, "/")

	signed := *u
	q := signed.Query()
	q.Set("X-Amz-Algorithm", signingAlgo)
	q.Set("X-Amz-Credential", creds.AccessKeyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.Itoa(int(expires.Seconds())))
	q.Set("X-Amz-SignedHeaders", "host")
	if creds.SessionToken != "" {
		q.Set("X-Amz-Security-Token", creds.SessionToken)
	}

	canonical := strings.Join([]string{
		method,
		URIEncode(signed.Path, false),
		canonicalQuery(q),
		"host:" + hostHeader(&signed) + "\n",
		"host",
		unsignedSHA,
	}, "\n")

	stringToSign := strings.Join([]string{
		signingAlgo,
		amzDate,
		scope,
		hexSHA256([]byte(canonical)),
	}, "\n")

	q.Set("X-Amz-Signature", hex.EncodeToString(hmacSHA256(
		s.signingKey(creds.SecretAccessKey, dateStamp), []byte(stringToSign))))
	signed.RawQuery = q.Encode()
	return &signed
}

func (s *Signer) signingKey(secret, dateStamp string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(s.Region))
	kService := hmacSHA256(kRegion, []byte(s.Service))
	return hmacSHA256(kService, []byte(terminator))
}

// canonicalHeaders returns the canonical header block and the
// semicolon-joined signed header list. Host, Content-Type, Content-MD5,
// Range, and every x-amz-* header participate in the signature.
func canonicalHeaders(req *http.Request) (string, string) {
	include := map[string]string{
		"host": requestHost(req),
	}
	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if lower == "content-type" || lower == "content-md5" || lower == "range" ||
			strings.HasPrefix(lower, "x-amz-") {
			include[lower] = strings.Join(vals, ",")
		}
	}
	names := make([]string, 0, len(include))
	for name := range include {
		names = append(names, name)
	}
	sort.Strings(names)

	var block strings.Builder
	for _, name := range names {
		block.WriteString(name)
		block.WriteByte(':')
		block.WriteString(strings.TrimSpace(include[name]))
		block.WriteByte('\n')
	}
	return block.String(), strings.Join(names, ";")
}

// canonicalQuery sorts parameters by encoded name then value, each
// URI-encoded per the SigV4 rules.
func canonicalQuery(q url.Values) string {
	type pair struct{ k, v string }
	var pairs []pair
	for k, vals := range q {
		ek := URIEncode(k, true)
		for _, v := range vals {
			pairs = append(pairs, pair{ek, URIEncode(v, true)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// URIEncode percent-encodes s per the SigV4 canonicalization rules.
// Unreserved characters pass through, space becomes %20, and '/' is kept
// literal when encodeSlash is false (path components).
func URIEncode(s string, encodeSlash bool) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			out.WriteByte(c)
		case c == '/' && !encodeSlash:
			out.WriteByte(c)
		default:
			out.WriteString("%")
			out.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return out.String()
}

// PayloadSHA256 hex-hashes a request body for signing.
func PayloadSHA256(body []byte) string {
	return hexSHA256(body)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func hostHeader(u *url.URL) string {
	return u.Host
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	return req.URL.Host
}
