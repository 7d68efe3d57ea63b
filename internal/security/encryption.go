package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// EncryptedPrefix marks configuration values stored encrypted.
const EncryptedPrefix = "enc:"

const charset = "qwertyuiopasdfghjklzxcvbnmQWERTYUIOPASDFGHJKLZXCVBNM1234567890-_"

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

type Encrypter interface {
	EncryptAES(string) (string, error)
	DecryptAES(string) ([]byte, error)
}

type AESEncrypter struct {
	Key []byte
}

// NewAESEncrypter expects a 16, 24 or 32 byte key.
func NewAESEncrypter(key []byte) *AESEncrypter {
	return &AESEncrypter{Key: key}
}

func (e *AESEncrypter) gcm() (cipher.AEAD, error) {
	c, err := aes.NewCipher(e.Key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(c)
}

func (e *AESEncrypter) EncryptAES(text string) (string, error) {
	gcm, err := e.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, []byte(text), nil)
	return hex.EncodeToString(out), nil
}

func (e *AESEncrypter) DecryptAES(encrypted string) ([]byte, error) {
	cipherText, err := hex.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}
	gcm, err := e.gcm()
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(cipherText) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, cipherText := cipherText[:nonceSize], cipherText[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// DecryptValue returns value unchanged unless it carries EncryptedPrefix.
func DecryptValue(e Encrypter, value string) (string, error) {
	encrypted, ok := strings.CutPrefix(value, EncryptedPrefix)
	if !ok {
		return value, nil
	}
	if e == nil {
		return "", errors.New("encrypted value found but no secret key is set")
	}
	b, err := e.DecryptAES(encrypted)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EnsureSecretKey returns the secret key in env var name, generating one
// and appending it to the dotenv file at path when it is unset.
func EnsureSecretKey(name, path string) (string, error) {
	if key, ok := os.LookupEnv(name); ok && key != "" {
		return key, nil
	}
	key, err := GenerateRandomKey(32)
	if err != nil {
		return "", err
	}
	if err := writeToDotenv(path, name, key); err != nil {
		return "", err
	}
	if err := os.Setenv(name, key); err != nil {
		return "", err
	}
	return key, nil
}

func writeToDotenv(path, name, value string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(name + "=" + value + "\n")
	return err
}

func GenerateRandomKey(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b), nil
}
