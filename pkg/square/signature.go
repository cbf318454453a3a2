package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature of a notification.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

var (
	errSignatureMissing  = errors.New("square signature header missing")
	errSignatureMismatch = errors.New("square signature mismatch")
)

// VerifySignature checks base64(HMAC-SHA256(key, notificationURL+body))
// against the header value.
func VerifySignature(body []byte, signature, signatureKey, notificationURL string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return errSignatureMissing
	}
	if signatureKey == "" {
		return errSignatureKeyRequired
	}
	expected := Sign(body, signatureKey, notificationURL)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errSignatureMismatch
	}
	return nil
}

// Sign computes the signature Square sends for a body.
func Sign(body []byte, signatureKey, notificationURL string) string {
	mac := hmac.New(sha256.New, []byte(signatureKey))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
