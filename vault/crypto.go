package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Error 表示加解密失败。
// 解密失败必须以该类型暴露而不是静默返回垃圾数据，
// 这是针对加密密钥轮换事故的防线。
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cipher 对称加解密器，密钥为进程级配置，启动后只读。
type Cipher struct {
	key []byte
}

// NewCipher 创建加解密器。密钥长度必须是 16/24/32 字节（AES-128/192/256）。
func NewCipher(key []byte) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, &Error{Op: "init", Err: fmt.Errorf("invalid key size %d, want 16/24/32 bytes", len(key))}
	}
	return &Cipher{key: key}, nil
}

// NewCipherFromBase64 从 base64 编码的密钥创建加解密器，便于环境变量注入。
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	if encoded == "" {
		return nil, &Error{Op: "init", Err: fmt.Errorf("encryption key is empty")}
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &Error{Op: "init", Err: fmt.Errorf("decode base64 key: %w", err)}
	}
	return NewCipher(key)
}

// Encrypt 用 AES-GCM 加密明文，nonce 前置，返回 base64 密文。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", &Error{Op: "encrypt", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &Error{Op: "encrypt", Err: err}
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", &Error{Op: "encrypt", Err: fmt.Errorf("generate nonce: %w", err)}
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt 解密 base64 密文。任何失败（含密钥不匹配）都返回 *Error。
func (c *Cipher) Decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &Error{Op: "decrypt", Err: fmt.Errorf("decode base64: %w", err)}
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", &Error{Op: "decrypt", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", &Error{Op: "decrypt", Err: err}
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", &Error{Op: "decrypt", Err: fmt.Errorf("ciphertext too short")}
	}

	nonce, data := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return "", &Error{Op: "decrypt", Err: err}
	}
	return string(plaintext), nil
}
