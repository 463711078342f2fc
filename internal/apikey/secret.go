// Package apikey 定义 API 密钥的明文格式、生成、解析与哈希
//
// 密钥格式: "cgk_" + 32 位 [A-Za-z0-9]
// 主体前 8 位作为 lookup prefix 存库建索引，用于缩小候选集合。
package apikey

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

const (
	// Prefix 所有密钥共有的字面前缀
	Prefix = "cgk_"
	// BodyLength 前缀之后随机主体的长度
	BodyLength = 32
	// LookupPrefixLength 用于索引的主体前缀长度
	LookupPrefixLength = 8

	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	// ErrMissing 请求未携带密钥
	ErrMissing = errors.New("api key missing")
	// ErrMalformed 密钥不符合固定格式
	ErrMalformed = errors.New("api key malformed")
)

// Secret 通过格式校验的密钥
type Secret struct {
	raw string
}

// String 返回完整明文
func (s Secret) String() string {
	return s.raw
}

// LookupPrefix 返回用于候选查询的主体前缀
func (s Secret) LookupPrefix() string {
	return s.raw[len(Prefix) : len(Prefix)+LookupPrefixLength]
}

// Generate 使用 crypto/rand 生成新密钥
func Generate() (Secret, error) {
	var b strings.Builder
	b.Grow(len(Prefix) + BodyLength)
	b.WriteString(Prefix)

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < BodyLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return Secret{}, err
		}
		b.WriteByte(alphabet[n.Int64()])
	}

	return Secret{raw: b.String()}, nil
}

// Parse 只做结构校验，不访问存储
func Parse(raw string) (Secret, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Secret{}, ErrMissing
	}
	if len(raw) != len(Prefix)+BodyLength || !strings.HasPrefix(raw, Prefix) {
		return Secret{}, ErrMalformed
	}
	for i := len(Prefix); i < len(raw); i++ {
		if !isAlphanumeric(raw[i]) {
			return Secret{}, ErrMalformed
		}
	}
	return Secret{raw: raw}, nil
}

// Mask 返回可展示的遮蔽形式，如 "cgk_AbCd1234…"
func Mask(lookupPrefix string) string {
	return Prefix + lookupPrefix + "…"
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
