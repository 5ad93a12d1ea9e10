package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	sigAlgorithm    = "AWS4-HMAC-SHA256"
	sigService      = "s3"
	sigTerminator   = "aws4_request"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	amzDateFormat   = "20060102T150405Z"
	amzShortDate    = "20060102"
)

// Signer implements AWS Signature Version 4 for S3-compatible endpoints.
type Signer struct {
	AccessKey string
	SecretKey string
	Region    string
}

// PresignGet returns the signed query string for a GET of path on host, valid for ttl from now.
func (s Signer) PresignGet(host, path string, now time.Time, ttl time.Duration) string {
	now = now.UTC()
	amzDate := now.Format(amzDateFormat)
	scope := s.scope(now)

	params := map[string]string{
		"X-Amz-Algorithm":     sigAlgorithm,
		"X-Amz-Credential":    s.AccessKey + "/" + scope,
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       strconv.FormatInt(int64(ttl/time.Second), 10),
		"X-Amz-SignedHeaders": "host",
	}
	query := canonicalQuery(params)

	canonical := strings.Join([]string{
		http.MethodGet,
		encodePath(path),
		query,
		"host:" + host + "\n",
		"host",
		unsignedPayload,
	}, "\n")

	signature := s.sign(now, canonical)
	return query + "&X-Amz-Signature=" + signature
}

// SignRequest adds header-based SigV4 authorization to req. payloadHash is the hex SHA-256 of the body.
func (s Signer) SignRequest(req *http.Request, payloadHash string, now time.Time) {
	now = now.UTC()
	amzDate := now.Format(amzDateFormat)

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	headers := map[string]string{
		"host":                 req.URL.Host,
		"x-amz-content-sha256": payloadHash,
		"x-amz-date":           amzDate,
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name + ":" + strings.TrimSpace(headers[name]) + "\n")
	}
	signedHeaders := strings.Join(names, ";")

	queryParams := make(map[string]string)
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			queryParams[k] = v[0]
		}
	}

	canonical := strings.Join([]string{
		req.Method,
		encodePath(req.URL.Path),
		canonicalQuery(queryParams),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	signature := s.sign(now, canonical)
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigAlgorithm, s.AccessKey, s.scope(now), signedHeaders, signature))
}

func (s Signer) scope(now time.Time) string {
	return strings.Join([]string{now.Format(amzShortDate), s.Region, sigService, sigTerminator}, "/")
}

func (s Signer) sign(now time.Time, canonicalRequest string) string {
	stringToSign := strings.Join([]string{
		sigAlgorithm,
		now.Format(amzDateFormat),
		s.scope(now),
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	key := hmacSHA256([]byte("AWS4"+s.SecretKey), now.Format(amzShortDate))
	key = hmacSHA256(key, s.Region)
	key = hmacSHA256(key, sigService)
	key = hmacSHA256(key, sigTerminator)

	return hex.EncodeToString(hmacSHA256(key, stringToSign))
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, uriEncode(k, true)+"="+uriEncode(params[k], true))
	}
	return strings.Join(parts, "&")
}

// encodePath percent-encodes each segment independently and keeps the slashes.
func encodePath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg, true)
	}
	return strings.Join(segments, "/")
}

// uriEncode follows the SigV4 rules: unreserved characters pass, everything else is %XX uppercase.
func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// objectURL builds the request URL for key under the given addressing style.
func objectURL(endpoint *url.URL, bucket, key string, pathStyle bool) *url.URL {
	u := *endpoint
	key = strings.TrimPrefix(key, "/")
	if pathStyle {
		u.Path = "/" + bucket + "/" + key
	} else {
		u.Host = bucket + "." + endpoint.Host
		u.Path = "/" + key
	}
	u.RawPath = encodePath(u.Path)
	u.RawQuery = ""
	return &u
}
