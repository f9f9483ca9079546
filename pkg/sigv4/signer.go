// Package sigv4 implements AWS Signature Version 4 for the two request shapes used
// by the signaling client: a header-signed HTTP request and a query-signed
// (presigned) WebSocket upgrade URL.
//
// Every intermediate result is built in a fixed-capacity Buffer. When one would
// overflow, the operation fails with kvserr.BufferTooSmall instead of growing.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sammck-go/kvstransport/pkg/awscreds"
	"github.com/sammck-go/kvstransport/pkg/kvserr"
	"github.com/sammck-go/kvstransport/pkg/urlparse"
)

const (
	// Algorithm is the SigV4 signing algorithm identifier
	Algorithm = "AWS4-HMAC-SHA256"

	// TimeFormat is the layout of X-Amz-Date: YYYYMMDDTHHMMSSZ
	TimeFormat = "20060102T150405Z"

	// TimestampLength is the length of a formatted X-Amz-Date value
	TimestampLength = 16

	// MaxExpiresSeconds is the largest X-Amz-Expires accepted for a presigned URL
	MaxExpiresSeconds = 604800

	// DefaultMetadataCapacity is the default size of the canonical metadata buffer
	DefaultMetadataCapacity = 4096

	// DefaultAuthorizationCapacity is the default size of the Authorization header buffer
	DefaultAuthorizationCapacity = 2048

	// Query parameter and header names
	AmzAlgorithmKey     = "X-Amz-Algorithm"
	AmzChannelARNKey    = "X-Amz-ChannelARN"
	AmzClientIDKey      = "X-Amz-ClientId"
	AmzCredentialKey    = "X-Amz-Credential"
	AmzDateKey          = "X-Amz-Date"
	AmzExpiresKey       = "X-Amz-Expires"
	AmzSecurityTokenKey = "X-Amz-Security-Token"
	AmzSignedHeadersKey = "X-Amz-SignedHeaders"
	AmzSignatureKey     = "X-Amz-Signature"

	scopeTerminator = "aws4_request"
)

// Config names the region and service that requests are signed for, and sizes
// the signer's scratch buffers.
type Config struct {
	Region  string
	Service string

	// MetadataCapacity bounds the canonical request, string to sign and canonical
	// query string. 0 means DefaultMetadataCapacity.
	MetadataCapacity int

	// AuthorizationCapacity bounds the Authorization header value. 0 means
	// DefaultAuthorizationCapacity.
	AuthorizationCapacity int
}

func (c Config) validate() error {
	if c.Region == "" {
		return kvserr.Errorf(kvserr.BadParameter, "empty region")
	}
	if c.Service == "" {
		return kvserr.Errorf(kvserr.BadParameter, "empty service")
	}
	if c.MetadataCapacity < 0 || c.AuthorizationCapacity < 0 {
		return kvserr.Errorf(kvserr.BadParameter, "negative buffer capacity")
	}
	return nil
}

// Signer signs requests for one region/service. It holds scratch buffers, so a
// Signer must not be used by more than one goroutine at a time.
type Signer struct {
	config        Config
	metadata      *Buffer
	query         *Buffer
	authorization *Buffer
}

// NewSigner creates a Signer, applying default buffer capacities
func NewSigner(config Config) (*Signer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.MetadataCapacity == 0 {
		config.MetadataCapacity = DefaultMetadataCapacity
	}
	if config.AuthorizationCapacity == 0 {
		config.AuthorizationCapacity = DefaultAuthorizationCapacity
	}
	s := &Signer{
		config:        config,
		metadata:      NewBuffer(config.MetadataCapacity),
		query:         NewBuffer(config.MetadataCapacity),
		authorization: NewBuffer(config.AuthorizationCapacity),
	}
	return s, nil
}

// Config returns the signer's configuration with defaults applied
func (s *Signer) Config() Config {
	return s.config
}

// Input is everything the shared canonical-request primitive signs
type Input struct {
	Method string

	// Path is the request path as it appears on the wire; it is canonicalized
	// segment by segment.
	Path string

	// Query is an already canonical query string (keys sorted, values encoded)
	Query string

	// Headers is a header block in HTTP wire form, "name: value\r\n" per header
	Headers string

	// Payload is the request body; nil for query-signed requests
	Payload []byte

	// Date is the request time as YYYYMMDDTHHMMSSZ
	Date string

	Credentials awscreds.Credentials
}

// Result is the output of the shared primitive
type Result struct {
	CanonicalRequest string
	SignedHeaders    string
	CredentialScope  string
	Signature        string
}

type canonicalHeader struct {
	name  string
	value string
}

// canonicalHeaders parses a wire-form header block into lower-cased, trimmed
// name/value pairs sorted by name.
func canonicalHeaders(block string) ([]canonicalHeader, error) {
	var headers []canonicalHeader
	for len(block) > 0 {
		i := strings.Index(block, "\r\n")
		if i < 0 {
			return nil, kvserr.Errorf(kvserr.BadParameter, "header line not terminated by CRLF: %q", block)
		}
		line := block[:i]
		block = block[i+2:]
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, kvserr.Errorf(kvserr.BadParameter, "malformed header line %q", line)
		}
		headers = append(headers, canonicalHeader{
			name:  strings.ToLower(strings.TrimSpace(line[:colon])),
			value: strings.Join(strings.Fields(line[colon+1:]), " "),
		})
	}
	if len(headers) == 0 {
		return nil, kvserr.Errorf(kvserr.BadParameter, "no headers to sign")
	}
	sort.SliceStable(headers, func(i, j int) bool { return headers[i].name < headers[j].name })
	return headers, nil
}

func hexHash(h hash.Hash, p []byte) (string, error) {
	h.Reset()
	if _, err := h.Write(p); err != nil {
		return "", kvserr.Wrapf(kvserr.SigningFailed, err, "hash write")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hmacSHA256(key []byte, data string) ([]byte, error) {
	mac := hmac.New(sha256.New, key)
	if _, err := mac.Write([]byte(data)); err != nil {
		return nil, kvserr.Wrapf(kvserr.SigningFailed, err, "hmac write")
	}
	return mac.Sum(nil), nil
}

func validDate(date string) error {
	if len(date) != TimestampLength {
		return kvserr.Errorf(kvserr.BadParameter, "date %q is not %d characters", date, TimestampLength)
	}
	if _, err := time.Parse(TimeFormat, date); err != nil {
		return kvserr.Wrapf(kvserr.BadParameter, err, "date %q", date)
	}
	return nil
}

// Sign builds the canonical request for in, derives the signing key and returns
// the hex signature together with the intermediate values.
func (s *Signer) Sign(in *Input) (*Result, error) {
	if in == nil || in.Method == "" {
		return nil, kvserr.Errorf(kvserr.BadParameter, "missing method")
	}
	if err := in.Credentials.Validate(); err != nil {
		return nil, err
	}
	if err := validDate(in.Date); err != nil {
		return nil, err
	}
	headers, err := canonicalHeaders(in.Headers)
	if err != nil {
		return nil, err
	}

	sha := sha256.New()
	payloadHash, err := hexHash(sha, in.Payload)
	if err != nil {
		return nil, err
	}

	md := s.metadata
	md.Reset()
	if err := md.AppendStrings(in.Method, "\n"); err != nil {
		return nil, err
	}
	if err := encodePath(md, in.Path); err != nil {
		return nil, err
	}
	if err := md.AppendStrings("\n", in.Query, "\n"); err != nil {
		return nil, err
	}
	for _, h := range headers {
		if err := md.AppendStrings(h.name, ":", h.value, "\n"); err != nil {
			return nil, err
		}
	}
	if err := md.AppendByte('\n'); err != nil {
		return nil, err
	}
	signedStart := md.Len()
	for i, h := range headers {
		if i > 0 {
			if err := md.AppendByte(';'); err != nil {
				return nil, err
			}
		}
		if err := md.AppendString(h.name); err != nil {
			return nil, err
		}
	}
	signedHeaders := string(md.Bytes()[signedStart:])
	if err := md.AppendStrings("\n", payloadHash); err != nil {
		return nil, err
	}
	canonicalRequest := md.String()

	requestHash, err := hexHash(sha, md.Bytes())
	if err != nil {
		return nil, err
	}

	day := in.Date[:8]
	scope := day + "/" + s.config.Region + "/" + s.config.Service + "/" + scopeTerminator

	md.Reset()
	if err := md.AppendStrings(Algorithm, "\n", in.Date, "\n", scope, "\n", requestHash); err != nil {
		return nil, err
	}

	key, err := hmacSHA256([]byte("AWS4"+in.Credentials.SecretAccessKey), day)
	if err == nil {
		key, err = hmacSHA256(key, s.config.Region)
	}
	if err == nil {
		key, err = hmacSHA256(key, s.config.Service)
	}
	if err == nil {
		key, err = hmacSHA256(key, scopeTerminator)
	}
	var sig []byte
	if err == nil {
		sig, err = hmacSHA256(key, md.String())
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		CanonicalRequest: canonicalRequest,
		SignedHeaders:    signedHeaders,
		CredentialScope:  scope,
		Signature:        hex.EncodeToString(sig),
	}, nil
}

// HTTPRequest describes the request signed by SignHTTPRequest
type HTTPRequest struct {
	Method    string
	URL       string
	UserAgent string
	Body      []byte
}

// HeaderBlock renders the headers that SignHTTPRequest signs, in HTTP wire form and
// fixed order: host, user-agent, x-amz-date, and x-amz-security-token when token is
// non-empty.
func HeaderBlock(dst *Buffer, host string, userAgent string, date string, token string) error {
	err := dst.AppendStrings(
		"host: ", host, "\r\n",
		"user-agent: ", userAgent, "\r\n",
		"x-amz-date: ", date, "\r\n",
	)
	if err == nil && token != "" {
		err = dst.AppendStrings("x-amz-security-token: ", token, "\r\n")
	}
	return err
}

// canonicalQuery appends the canonical form of a raw query string: parameters
// sorted by key then value, keys and values UriEncoded.
func canonicalQuery(dst *Buffer, rawQuery string) error {
	if rawQuery == "" {
		return nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return kvserr.Wrapf(kvserr.MalformedQuery, err, "query %q", rawQuery)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	first := true
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if !first {
				if err := dst.AppendByte('&'); err != nil {
					return err
				}
			}
			first = false
			if err := UriEncode(dst, k); err != nil {
				return err
			}
			if err := dst.AppendByte('='); err != nil {
				return err
			}
			if err := UriEncode(dst, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// SignHTTPRequest signs req with header-based SigV4 and returns the value of the
// Authorization header:
//
//   AWS4-HMAC-SHA256 Credential=<key>/<day>/<region>/<service>/aws4_request, SignedHeaders=<names>, Signature=<hex>
func (s *Signer) SignHTTPRequest(req *HTTPRequest, creds awscreds.Credentials, date string) (string, error) {
	if req == nil || req.URL == "" {
		return "", kvserr.Errorf(kvserr.BadParameter, "missing request URL")
	}
	host, err := urlparse.Host(req.URL)
	if err != nil {
		return "", err
	}
	path, err := urlparse.Path(req.URL)
	if err != nil {
		return "", err
	}
	rawQuery, err := urlparse.Query(req.URL)
	if err != nil {
		return "", err
	}

	q := s.query
	q.Reset()
	if err := canonicalQuery(q, rawQuery); err != nil {
		return "", err
	}
	a := s.authorization
	a.Reset()
	if err := HeaderBlock(a, host, req.UserAgent, date, creds.SessionToken); err != nil {
		return "", err
	}

	res, err := s.Sign(&Input{
		Method:      req.Method,
		Path:        path,
		Query:       q.String(),
		Headers:     a.String(),
		Payload:     req.Body,
		Date:        date,
		Credentials: creds,
	})
	if err != nil {
		return "", err
	}

	a.Reset()
	err = a.AppendStrings(
		Algorithm,
		" Credential=", creds.AccessKeyID, "/", res.CredentialScope,
		", SignedHeaders=", res.SignedHeaders,
		", Signature=", res.Signature,
	)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

// ExpiresSeconds computes X-Amz-Expires for credentials expiring at the given unix
// time: MaxExpiresSeconds when expiration is 0, otherwise the remaining lifetime
// clamped to [1, MaxExpiresSeconds].
func ExpiresSeconds(expiration int64, now time.Time) int64 {
	if expiration == 0 {
		return MaxExpiresSeconds
	}
	remaining := expiration - now.Unix()
	if remaining < 1 {
		return 1
	}
	if remaining > MaxExpiresSeconds {
		return MaxExpiresSeconds
	}
	return remaining
}

// appendQueryTerm appends "&key=" (or "key=" for the first term) followed by the
// UriEncoded value, or the raw value when encode is false.
func appendQueryTerm(dst *Buffer, key string, value string, encode bool) error {
	if dst.Len() > 0 {
		if err := dst.AppendByte('&'); err != nil {
			return err
		}
	}
	if err := dst.AppendStrings(key, "="); err != nil {
		return err
	}
	if encode {
		return UriEncode(dst, value)
	}
	return dst.AppendString(value)
}

// queryParam returns the decoded value of a parameter in the caller's URL query
func queryParam(rawQuery string, key string) (string, bool, error) {
	raw, ok := urlparse.QueryValue(rawQuery, key)
	if !ok {
		return "", false, nil
	}
	v, err := url.QueryUnescape(raw)
	if err != nil {
		return "", true, kvserr.Wrapf(kvserr.MalformedQuery, err, "%s value %q", key, raw)
	}
	return v, true, nil
}

// SignWebsocketURL presigns a WebSocket connect URL. wsURL must carry an
// X-Amz-ChannelARN query parameter (at any position) and may carry X-Amz-ClientId.
// The returned path is "/?" followed by the canonical query string and a final
// X-Amz-Signature term, ready to be used as the request URI of the upgrade.
func (s *Signer) SignWebsocketURL(wsURL string, creds awscreds.Credentials, date string, now time.Time) (string, error) {
	if wsURL == "" {
		return "", kvserr.Errorf(kvserr.BadParameter, "missing websocket URL")
	}
	if err := creds.Validate(); err != nil {
		return "", err
	}
	if err := validDate(date); err != nil {
		return "", err
	}
	host, err := urlparse.Host(wsURL)
	if err != nil {
		return "", err
	}
	rawQuery, err := urlparse.Query(wsURL)
	if err != nil {
		return "", err
	}
	channelARN, ok, err := queryParam(rawQuery, AmzChannelARNKey)
	if err != nil {
		return "", err
	}
	if !ok || channelARN == "" {
		return "", kvserr.Errorf(kvserr.MalformedQuery, "%s missing from %q", AmzChannelARNKey, wsURL)
	}
	clientID, hasClientID, err := queryParam(rawQuery, AmzClientIDKey)
	if err != nil {
		return "", err
	}

	q := s.query
	q.Reset()
	err = appendQueryTerm(q, AmzAlgorithmKey, Algorithm, false)
	if err == nil {
		err = appendQueryTerm(q, AmzChannelARNKey, channelARN, true)
	}
	if err == nil && hasClientID {
		err = appendQueryTerm(q, AmzClientIDKey, clientID, true)
	}
	if err == nil {
		credential := creds.AccessKeyID + "/" + date[:8] + "/" + s.config.Region + "/" + s.config.Service + "/" + scopeTerminator
		err = appendQueryTerm(q, AmzCredentialKey, credential, true)
	}
	if err == nil {
		err = appendQueryTerm(q, AmzDateKey, date, false)
	}
	if err == nil {
		expires := strconv.FormatInt(ExpiresSeconds(creds.Expiration, now), 10)
		err = appendQueryTerm(q, AmzExpiresKey, expires, false)
	}
	if err == nil && creds.SessionToken != "" {
		err = appendQueryTerm(q, AmzSecurityTokenKey, creds.SessionToken, true)
	}
	if err == nil {
		err = appendQueryTerm(q, AmzSignedHeadersKey, "host", false)
	}
	if err != nil {
		return "", err
	}

	a := s.authorization
	a.Reset()
	if err := a.AppendStrings("host: ", host, "\r\n"); err != nil {
		return "", err
	}
	res, err := s.Sign(&Input{
		Method:      "GET",
		Path:        "/",
		Query:       q.String(),
		Headers:     a.String(),
		Date:        date,
		Credentials: creds,
	})
	if err != nil {
		return "", err
	}

	md := s.metadata
	md.Reset()
	if err := md.AppendStrings("/?", q.String(), "&", AmzSignatureKey, "=", res.Signature); err != nil {
		return "", err
	}
	return md.String(), nil
}
