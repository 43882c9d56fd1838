package trigger

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var errBadCiphertext = errors.New("trigger: malformed event ciphertext")

// decryptEvent decodes an encrypted event payload: base64, then AES-CBC with
// the IV prefixed to the ciphertext and the key derived as SHA-256 of the
// shared secret. PKCS#7 padding is stripped.
func decryptEvent(sharedKey, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding event ciphertext: %w", err)
	}

	if len(raw) < aes.BlockSize || (len(raw)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, errBadCiphertext
	}

	key := sha256.Sum256([]byte(sharedKey))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("initializing event cipher: %w", err)
	}

	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(ct) == 0 {
		return nil, errBadCiphertext
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	return stripPadding(plain)
}

func stripPadding(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n < 1 || n > aes.BlockSize || n > len(b) {
		return nil, errBadCiphertext
	}

	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errBadCiphertext
		}
	}

	return b[:len(b)-n], nil
}

// eventSignature computes the provider's event signature: hex SHA-256 over
// timestamp, nonce, shared key, and the raw request body, concatenated in
// that order.
func eventSignature(timestamp, nonce, sharedKey string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(sharedKey))
	h.Write(body)

	return hex.EncodeToString(h.Sum(nil))
}
