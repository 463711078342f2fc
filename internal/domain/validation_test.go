package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"Valid email", "test@example.com", false},
		{"Valid email with plus", "user+tag@example.com", false},
		{"Empty email allowed", "", false},
		{"Invalid email - no @", "testexample.com", true},
		{"Invalid email - display name", "Bob <bob@example.com>", true},
		{"Invalid email - too long", strings.Repeat("a", 250) + "@x.io", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEmail)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCurrency(t *testing.T) {
	assert.NoError(t, ValidateCurrency("USD"))
	assert.Error(t, ValidateCurrency("usd"))
	assert.Error(t, ValidateCurrency("US"))
	assert.Error(t, ValidateCurrency(""))
}

func TestValidateExternalTransactionID(t *testing.T) {
	assert.NoError(t, ValidateExternalTransactionID("tx_1"))
	assert.NoError(t, ValidateExternalTransactionID("pi_3Nx:abc.def-1"))
	assert.Error(t, ValidateExternalTransactionID(""))
	assert.Error(t, ValidateExternalTransactionID("tx 1"))
	assert.Error(t, ValidateExternalTransactionID(strings.Repeat("a", 256)))
}

func TestValidatePlatform(t *testing.T) {
	assert.NoError(t, ValidatePlatform("instagram"))
	assert.NoError(t, ValidatePlatform("x_com"))
	assert.Error(t, ValidatePlatform("Instagram"))
	assert.Error(t, ValidatePlatform("a"))
	assert.Error(t, ValidatePlatform("../etc"))
}

func TestValidateKeyName(t *testing.T) {
	assert.NoError(t, ValidateKeyName("prod"))
	assert.NoError(t, ValidateKeyName(strings.Repeat("键", 100)))
	assert.ErrorIs(t, ValidateKeyName(strings.Repeat("a", 101)), ErrKeyNameTooLong)
}

func TestAPIKeyState(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		key  APIKey
		want KeyState
	}{
		{"永不过期的活跃密钥", APIKey{IsActive: true}, KeyStateActive},
		{"未到期", APIKey{IsActive: true, ExpiresAt: &future}, KeyStateActive},
		{"已过期", APIKey{IsActive: true, ExpiresAt: &past}, KeyStateExpired},
		{"恰好到期视为过期", APIKey{IsActive: true, ExpiresAt: &now}, KeyStateExpired},
		{"撤销优先于过期", APIKey{IsActive: false, ExpiresAt: &past}, KeyStateRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.State(now))
		})
	}
}

func TestRejectionError(t *testing.T) {
	cause := assert.AnError
	var err error = Reject(KindUpstream, ReasonUpstreamError, "上游服务错误", cause)

	rej, ok := AsRejection(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonUpstreamError, rej.Reason)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "upstream_error")

	_, ok = AsRejection(cause)
	assert.False(t, ok)
}

func TestRejectionError_StatusCode(t *testing.T) {
	tests := []struct {
		reason Reason
		want   int
	}{
		{ReasonMissingCredential, 401},
		{ReasonMalformedCredential, 401},
		{ReasonInvalidOrRevoked, 401},
		{ReasonExpired, 403},
		{ReasonRateLimited, 429},
		{ReasonInsufficientCredit, 402},
		{ReasonUpstreamError, 502},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.want, (&RejectionError{Reason: tt.reason}).StatusCode())
		})
	}

	t.Run("上游超时", func(t *testing.T) {
		assert.Equal(t, 504, (&RejectionError{Reason: ReasonUpstreamError, Timeout: true}).StatusCode())
	})
}
