package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// sigV4 signs S3 requests with AWS Signature Version 4, header form.
type sigV4 struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

const sigV4Algorithm = "AWS4-HMAC-SHA256"

func (s *sigV4) Sign(req *http.Request, payloadHash string) error {
	t := s.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	day := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("host", req.URL.Host)
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	headers, signed := canonicalHeaders(req.Header)
	canonical := strings.Join([]string{
		req.Method,
		canonicalPath(req.URL),
		canonicalQuery(req.URL),
		headers,
		signed,
		payloadHash,
	}, "\n")
	scope := day + "/" + s.region + "/s3/aws4_request"
	digest := sha256.Sum256([]byte(canonical))
	toSign := sigV4Algorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(digest[:])

	key := []byte("AWS4" + s.secretKey)
	for _, part := range []string{day, s.region, "s3", "aws4_request"} {
		key = hmacSum(key, part)
	}
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, s.accessKey, scope, signed, hex.EncodeToString(hmacSum(key, toSign))))
	return nil
}

func canonicalPath(u *url.URL) string {
	p := u.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQuery(u *url.URL) string {
	values := u.Query()
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// canonicalHeaders returns the canonical header block and the signed
// header list.
func canonicalHeaders(h http.Header) (string, string) {
	merged := make(map[string][]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		merged[lk] = append(merged[lk], v...)
	}
	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, k := range names {
		vs := merged[k]
		sort.Strings(vs)
		b.WriteString(k + ":" + strings.TrimSpace(strings.Join(vs, ",")) + "\n")
	}
	return b.String(), strings.Join(names, ";")
}

func hmacSum(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
