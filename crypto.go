package mssql

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// cipherCellVersion is the version byte prefixing every encrypted column
// value, the same role it plays in the real AEAD_AES_256_CBC_HMAC_SHA256
// column encryption algorithm this engine's parameters negotiate.
const cipherCellVersion byte = 0x01

// No ecosystem library in the retrieved pack implements SQL Server's
// proprietary AEAD_AES_256_CBC_HMAC_SHA256 column cell format (it is not a
// standard AEAD construction any Go crypto library packages directly), so
// this is built on crypto/aes + crypto/cipher + crypto/hmac from the
// standard library, which is the correct base for any implementation of
// it (DESIGN.md, crypto.go entry).

// deriveSubkeys splits the decrypted column encryption key into an AES key
// and an HMAC key the way the real algorithm derives them from one root
// key via HMAC-SHA256-based derivation.
func deriveSubkeys(rootKey []byte) (encKey, macKey []byte) {
	encKey = hmacSum(rootKey, []byte("encryption"))
	macKey = hmacSum(rootKey, []byte("authentication"))
	return encKey, macKey
}

func hmacSum(key, label []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(label)
	return h.Sum(nil)
}

// encryptValue encrypts plaintext under rootKey, producing a cell in the
// version | iv | ciphertext | tag shape (spec glossary "column-encryption
// key").
func encryptValue(rootKey, plaintext []byte) ([]byte, error) {
	encKey, macKey := deriveSubkeys(rootKey)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	cell := make([]byte, 0, 1+len(iv)+len(ciphertext)+sha256.Size)
	cell = append(cell, cipherCellVersion)
	cell = append(cell, iv...)
	cell = append(cell, ciphertext...)
	tag := hmac.New(sha256.New, macKey)
	tag.Write(cell)
	cell = tag.Sum(cell)
	return cell, nil
}

// decryptValue reverses encryptValue, verifying the HMAC tag before
// decrypting (spec §4.6: "If the token is encrypted ... decrypt with the
// parameter's cipher metadata").
func decryptValue(rootKey, cell []byte) ([]byte, error) {
	if len(cell) < 1+aes.BlockSize+sha256.Size {
		return nil, fmt.Errorf("mssql: encrypted cell too short")
	}
	if cell[0] != cipherCellVersion {
		return nil, fmt.Errorf("mssql: unsupported encrypted cell version %d", cell[0])
	}
	encKey, macKey := deriveSubkeys(rootKey)

	body := cell[:len(cell)-sha256.Size]
	gotTag := cell[len(cell)-sha256.Size:]
	tag := hmac.New(sha256.New, macKey)
	tag.Write(body)
	wantTag := tag.Sum(nil)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, fmt.Errorf("mssql: encrypted cell authentication failed")
	}

	iv := body[1 : 1+aes.BlockSize]
	ciphertext := body[1+aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("mssql: encrypted cell ciphertext is not block-aligned")
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("mssql: cannot unpad empty buffer")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("mssql: invalid padding")
	}
	return data[:len(data)-padLen], nil
}
