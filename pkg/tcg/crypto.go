package tcg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// AesSymmetricType helps identity which encryption/decryption to use.
	AesSymmetricType = "aes"

	defaultNonceSize   = 12
	defaultHashLength  = 32
	defaultMemoryInKiB = 64
)

// GetHashWithArgon derives a key from a passphrase and salt with Argon2id.
func GetHashWithArgon(passphrase, salt string, timeConsideration uint32, multiplier uint32, threads uint8, hashLength uint32) []byte {

	if passphrase == "" || salt == "" {
		return nil
	}

	if timeConsideration == 0 {
		timeConsideration = 1
	}

	if multiplier == 0 {
		multiplier = defaultMemoryInKiB
	}

	if threads == 0 {
		threads = 1
	}

	if hashLength == 0 {
		hashLength = defaultHashLength
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), timeConsideration, multiplier*1024, threads, hashLength)
}

// Hash fills in the Hashkey of an EncryptionConfig from a passphrase and salt.
func (ec *EncryptionConfig) Hash(passphrase, salt string) error {

	ec.Hashkey = GetHashWithArgon(passphrase, salt, ec.TimeConsideration, ec.MemoryMultiplier, ec.Threads, defaultHashLength)
	if ec.Hashkey == nil {
		return errors.New("passphrase and salt can't be empty")
	}

	return nil
}

// Encrypt encrypts data with the configured encryption type.
func (ec *EncryptionConfig) Encrypt(data []byte) ([]byte, error) {

	switch ec.Type {
	case AesSymmetricType, "":
		return EncryptWithAes(data, ec.Hashkey, defaultNonceSize)
	default:
		return nil, fmt.Errorf("unknown encryption type %q", ec.Type)
	}
}

// Decrypt reverses Encrypt.
func (ec *EncryptionConfig) Decrypt(data []byte) ([]byte, error) {

	switch ec.Type {
	case AesSymmetricType, "":
		return DecryptWithAes(data, ec.Hashkey, defaultNonceSize)
	default:
		return nil, fmt.Errorf("unknown encryption type %q", ec.Type)
	}
}

// EncryptWithAes encrypts bytes with AES-GCM and prefixes the nonce.
// If nonceSize is outside 12-32, the standard, 12, is used.
func EncryptWithAes(data, hashedKey []byte, nonceSize int) ([]byte, error) {

	if len(data) == 0 || len(hashedKey) == 0 {
		return nil, errors.New("data or hash can't be zero length")
	}

	if nonceSize < 12 || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil { // key length must be 16, 24, or 32
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aesGcm.Seal(nonce, nonce, data, nil), nil
}

// DecryptWithAes decrypts bytes produced by EncryptWithAes.
func DecryptWithAes(cipherDataWithNonce, hashedKey []byte, nonceSize int) ([]byte, error) {

	if nonceSize < 12 || nonceSize > 32 {
		nonceSize = defaultNonceSize
	}

	if len(hashedKey) == 0 || len(cipherDataWithNonce) <= nonceSize {
		return nil, errors.New("cipher data must be longer than the nonce and hash can't be zero length")
	}

	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	aesGcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}

	return aesGcm.Open(nil, cipherDataWithNonce[:nonceSize], cipherDataWithNonce[nonceSize:], nil)
}
