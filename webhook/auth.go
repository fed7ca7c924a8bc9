package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"
)

// ValidateSignature checks the request against the source's shared
// secret. GitLab sends the secret verbatim in X-GitLab-Token; GitHub and
// compatible senders sign the raw body with HMAC in X-Hub-Signature-256
// (preferred) or the legacy sha1 X-Hub-Signature. All comparisons are
// constant time.
func ValidateSignature(secret string, body []byte, header http.Header) bool {
	if secret == "" {
		return false
	}
	if token := header.Get("X-GitLab-Token"); token != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
	}

	sig := header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = header.Get("X-Hub-Signature")
	}
	if sig == "" {
		return false
	}
	algo, digest, ok := strings.Cut(sig, "=")
	if !ok {
		return false
	}
	var mac hash.Hash
	switch algo {
	case "sha256":
		mac = hmac.New(sha256.New, []byte(secret))
	case "sha1":
		mac = hmac.New(sha1.New, []byte(secret))
	default:
		return false
	}
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(digest), []byte(expected))
}
