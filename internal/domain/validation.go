package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail           = errors.New("invalid email format")
	ErrKeyNameTooLong         = errors.New("key name too long (max 100 chars)")
	ErrInvalidCurrency        = errors.New("invalid currency code")
	ErrInvalidExternalID      = errors.New("invalid external transaction id")
	ErrInvalidPlatform        = errors.New("invalid platform")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
)

// 验证常量
const (
	MaxEmailLength      = 254
	MaxKeyNameLength    = 100
	MaxExternalIDLength = 255
)

var (
	currencyRegex   = regexp.MustCompile(`^[A-Z]{3}$`)
	externalIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)
	platformRegex   = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,31}$`)
)

// ValidateEmail 验证邮箱格式（空邮箱视为有效，IdP 可能不提供）
func ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	if len(email) > MaxEmailLength {
		return ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateKeyName 验证密钥名称
func ValidateKeyName(name string) error {
	if utf8.RuneCountInString(strings.TrimSpace(name)) > MaxKeyNameLength {
		return ErrKeyNameTooLong
	}
	return nil
}

// ValidateCurrency 验证 ISO 4217 货币代码（大写三字母）
func ValidateCurrency(code string) error {
	if !currencyRegex.MatchString(code) {
		return ErrInvalidCurrency
	}
	return nil
}

// ValidateExternalTransactionID 验证支付方交易号
func ValidateExternalTransactionID(id string) error {
	if id == "" || len(id) > MaxExternalIDLength || !externalIDRegex.MatchString(id) {
		return ErrInvalidExternalID
	}
	return nil
}

// ValidatePlatform 验证提取平台标识
func ValidatePlatform(platform string) error {
	if !platformRegex.MatchString(platform) {
		return ErrInvalidPlatform
	}
	return nil
}
