package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	webhookdomain "github.com/careledger/careledger/internal/webhook/domain"
)

// verifySignature checks the `t=<unix>,v1=<hex>` header against an
// HMAC-SHA256 of "<timestamp>.<payload>". Several v1 entries may appear
// during secret rotation; any single match passes.
func verifySignature(secret string, payload []byte, header string) error {
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}

	expected := computeSignature(secret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return webhookdomain.ErrInvalidSignature
}

func computeSignature(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload produces a valid signature header for the given payload. Used
// by tests and local tooling that emit synthetic events.
func SignPayload(secret, timestamp string, payload []byte) string {
	return fmt.Sprintf("t=%s,v1=%s", timestamp, computeSignature(secret, timestamp, payload))
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, webhookdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
