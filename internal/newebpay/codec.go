package newebpay

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// EncryptHex pads plain with PKCS#7, encrypts it with AES-CBC under the
// merchant HashKey/HashIV and returns the ciphertext as lowercase hex.
// The provider reuses the same IV for every message of a merchant; that is a
// protocol requirement, not something this layer may change.
func EncryptHex(plain, key, iv []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("newebpay: invalid hash key: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return "", fmt.Errorf("newebpay: invalid hash iv: need %d bytes, got %d", block.BlockSize(), len(iv))
	}

	padded := pkcs7Pad(plain, block.BlockSize())
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return hex.EncodeToString(ct), nil
}

// DecryptHex reverses EncryptHex. Bad hex, a ciphertext that is not a whole
// number of blocks, or invalid padding all report ErrMalformedCiphertext.
func DecryptHex(cipherHex string, key, iv []byte) ([]byte, error) {
	ct, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("newebpay: invalid hash key: %w", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("newebpay: invalid hash iv: need %d bytes, got %d", block.BlockSize(), len(iv))
	}
	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrMalformedCiphertext, len(ct))
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	unpadded, err := pkcs7Unpad(plain, block.BlockSize())
	if err != nil {
		return nil, err
	}
	return unpadded, nil
}

// TradeSha computes the provider's integrity tag over an encrypted payload:
// SHA256("HashKey={key}&{payloadHex}&HashIV={iv}"), hex digest upper-cased.
// The same formula covers MPG TradeSha and the e-wallet refund HashData_.
func TradeSha(hashKey, hashIV, payloadHex string) string {
	raw := "HashKey=" + hashKey + "&" + payloadHex + "&HashIV=" + hashIV
	sum := sha256.Sum256([]byte(raw))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrMalformedCiphertext)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrMalformedCiphertext)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrMalformedCiphertext)
		}
	}
	return data[:len(data)-n], nil
}
