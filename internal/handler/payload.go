// internal/handler/payload.go
package handler

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	EncodingText   = "text"
	EncodingHex    = "hex"
	EncodingBase64 = "base64"
)

// decodePayload turns request data into raw bytes; an empty encoding means text
func decodePayload(data, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingText:
		return []byte(data), nil
	case EncodingHex:
		cleaned := strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(data)
		decoded, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex payload: %w", err)
		}
		return decoded, nil
	case EncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}
