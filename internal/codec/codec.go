// Package codec 用每个会话独立的对称密钥加解密消息正文。
//
// 密钥与密文都是 URL 安全的 base64 文本，可直接存入普通字符串列。
// 密文格式为 24 字节随机 nonce 加 NaCl secretbox 输出。
package codec

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey = errors.New("codec: invalid key")
	ErrDecrypt    = errors.New("codec: cannot decrypt")
)

var enc = base64.URLEncoding

// GenerateKey 生成一个新的随机密钥（文本形式）。
func GenerateKey() (string, error) {
	k := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", err
	}
	return enc.EncodeToString(k), nil
}

// Encrypt 用 key 加密明文。
func Encrypt(key, plaintext string) (string, error) {
	k, err := parseKey(key)
	if err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, k)
	return enc.EncodeToString(box), nil
}

// Decrypt 用同一个 key 解开 Encrypt 的结果。
func Decrypt(key, ciphertext string) (string, error) {
	k, err := parseKey(key)
	if err != nil {
		return "", err
	}
	raw, err := enc.DecodeString(ciphertext)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, k)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}

// DecryptOrRaw 解密失败时原样返回存储值，例如启用加密之前写入的旧数据。
func DecryptOrRaw(key, stored string) string {
	out, err := Decrypt(key, stored)
	if err != nil {
		return stored
	}
	return out
}

func parseKey(key string) (*[keySize]byte, error) {
	raw, err := enc.DecodeString(key)
	if err != nil || len(raw) != keySize {
		return nil, ErrInvalidKey
	}
	var k [keySize]byte
	copy(k[:], raw)
	return &k, nil
}
