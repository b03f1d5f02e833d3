// Package signature authenticates inbound webhook payloads.
//
// Verification always runs over the raw request bytes. Decoding and re-encoding
// a JSON body changes whitespace and key order and breaks the HMAC.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/model"
)

const githubPrefix = "sha256="

// ErrAuthFailure is wrapped into every rejection, so errors.Is finds it. It
// carries errs.AuthFailure.
var ErrAuthFailure = errs.Newf(errs.AuthFailure, "webhook signature verification failed")

// Verify checks header against secret for the given provider.
//
// GitHub sends X-Hub-Signature-256: "sha256=" + hex(HMAC-SHA256(secret, body)).
// GitLab sends the shared secret itself in X-Gitlab-Token.
func Verify(provider model.Provider, body []byte, header, secret string) error {
	if secret == "" {
		return reject("no shared secret configured")
	}
	if header == "" {
		return reject("missing signature header")
	}

	switch provider {
	case model.ProviderGitHub:
		return verifyGitHub(body, header, secret)
	case model.ProviderGitLab:
		return verifyGitLab(header, secret)
	default:
		return reject("provider %q does not sign webhooks", provider)
	}
}

// Sign returns the GitHub-style header value for body.
func Sign(secret string, body []byte) string {
	return githubPrefix + hex.EncodeToString(computeHMAC(secret, body))
}

func verifyGitHub(body []byte, header, secret string) error {
	if !strings.HasPrefix(header, githubPrefix) {
		return reject("signature header must start with %s", githubPrefix)
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, githubPrefix))
	if err != nil {
		return reject("signature is not hex")
	}

	want := computeHMAC(secret, body)
	// Leaks only the length, which is public (32 bytes).
	if len(got) != len(want) {
		return reject("signature has wrong length")
	}
	if !hmac.Equal(got, want) {
		return reject("signature mismatch")
	}
	return nil
}

func verifyGitLab(header, secret string) error {
	if len(header) != len(secret) {
		return reject("token mismatch")
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(secret)) != 1 {
		return reject("token mismatch")
	}
	return nil
}

func computeHMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func reject(format string, args ...any) error {
	return errs.Wrapf(ErrAuthFailure, format, args...)
}
