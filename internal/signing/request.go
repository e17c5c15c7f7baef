package signing

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"authgate/internal/autherr"
)

// CanonicalRequest joins the signed parts of an HTTP request as
// METHOD|path[|?query][|body].
func CanonicalRequest(method, path, query string, body []byte) []byte {
	parts := []string{strings.ToUpper(method), path}
	if query != "" {
		parts = append(parts, "?"+query)
	}
	if len(body) > 0 {
		parts = append(parts, string(body))
	}
	return []byte(strings.Join(parts, "|"))
}

// SignedURL returns params encoded as a query string with signature and
// timestamp appended.
func (s *Signer) SignedURL(path string, params url.Values) string {
	query := params.Encode()
	env := s.Sign([]byte(path + "?" + query))

	signed := url.Values{}
	signed.Set("signature", env.Signature)
	signed.Set("timestamp", strconv.FormatInt(env.Timestamp, 10))

	if query == "" {
		return signed.Encode()
	}
	return query + "&" + signed.Encode()
}

// VerifySignedURL checks a query string produced by SignedURL.
func (s *Signer) VerifySignedURL(path, rawQuery string, maxAge time.Duration) error {
	idx := strings.LastIndex(rawQuery, "signature=")
	if idx < 0 {
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureFormat)
	}

	query := strings.TrimSuffix(rawQuery[:idx], "&")
	trailer, err := url.ParseQuery(rawQuery[idx:])
	if err != nil {
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureFormat)
	}

	ts, err := strconv.ParseInt(trailer.Get("timestamp"), 10, 64)
	if err != nil || trailer.Get("signature") == "" {
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureFormat)
	}

	return s.Verify([]byte(path+"?"+query), Envelope{Signature: trailer.Get("signature"), Timestamp: ts}, maxAge)
}
