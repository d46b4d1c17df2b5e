package lark

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// IngestFunc receives one raw (decrypted) event payload.
type IngestFunc func(payload []byte)

// NewWebhookHandler builds the HTTP handler for Lark event callbacks.
// It answers url_verification challenges, checks the verification token,
// decrypts AES-wrapped payloads when encryptKey is set, and hands the
// raw event to ingest. Always responds 200 to accepted events; Lark
// retries non-200s.
func NewWebhookHandler(verificationToken, encryptKey string, ingest IngestFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}

		// Encrypted payloads arrive as {"encrypt": "..."}.
		var wrapper struct {
			Encrypt string `json:"encrypt"`
		}
		if json.Unmarshal(body, &wrapper) == nil && wrapper.Encrypt != "" {
			if encryptKey == "" {
				slog.Warn("lark webhook: encrypted payload but no encrypt key configured")
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			decrypted, err := decryptEvent(encryptKey, wrapper.Encrypt)
			if err != nil {
				slog.Warn("lark webhook: decrypt failed", "error", err)
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			body = decrypted
		}

		var probe struct {
			Type      string `json:"type"`
			Challenge string `json:"challenge"`
			Token     string `json:"token"`
			Header    struct {
				Token string `json:"token"`
			} `json:"header"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		// URL verification handshake
		if probe.Type == "url_verification" {
			if verificationToken != "" && probe.Token != verificationToken {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"challenge": probe.Challenge})
			return
		}

		if verificationToken != "" {
			token := probe.Header.Token
			if token == "" {
				token = probe.Token
			}
			if token != verificationToken {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}

		// Ack immediately; processing happens out of band so Lark does
		// not retry slow events.
		w.WriteHeader(http.StatusOK)
		go ingest(body)
	}
}

// decryptEvent unwraps Lark's AES-256-CBC event encryption: key is
// sha256(encryptKey), IV is the first block of the ciphertext.
func decryptEvent(encryptKey, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	if len(raw) < aes.BlockSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv, data := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(data) == 0 {
		return nil, fmt.Errorf("ciphertext empty after iv")
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned")
	}

	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)

	// Strip PKCS#7 padding
	pad := int(data[len(data)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("bad padding")
	}
	return data[:len(data)-pad], nil
}
