package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the hex HMAC-SHA256 of "{timestamp}.{payload}" keyed with secret. payload must be
// the exact bytes sent as the request body.
func Sign(payload []byte, secret string, timestamp int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature as a receiver would. The "sha256=" prefix is optional.
func Verify(payload []byte, secret string, timestamp int64, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(payload, secret, timestamp))
	return hmac.Equal(got, want)
}

// SignatureHeader formats a signature for the X-<Product>-Signature header.
func SignatureHeader(signature string) string {
	return signaturePrefix + signature
}

// BuildHeaders returns the fixed header set of a delivery attempt.
func BuildHeaders(product, eventType, deliveryID string, timestamp int64, signature string) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", product+"-Webhooks/1.0")
	h.Set("X-"+product+"-Signature", SignatureHeader(signature))
	h.Set("X-"+product+"-Event", eventType)
	h.Set("X-"+product+"-Delivery-ID", deliveryID)
	h.Set("X-"+product+"-Timestamp", strconv.FormatInt(timestamp, 10))
	return h
}
