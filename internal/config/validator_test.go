package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTelegramToken("123456789:ABCdefGHIjklMNOpqrsTUVwxyz"))
	assert.Error(t, v.ValidateTelegramToken(""))
	assert.Error(t, v.ValidateTelegramToken("not-a-token"))
	assert.Error(t, v.ValidateTelegramToken("12345:has spaces"))
}

func TestValidateEnums(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateOverflow("reject"))
	assert.NoError(t, v.ValidateOverflow("queue"))
	assert.Error(t, v.ValidateOverflow(""))

	assert.NoError(t, v.ValidateRatePolicy("token_bucket"))
	assert.Error(t, v.ValidateRatePolicy("sliding"))

	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("trace"))
}

func TestValidateIdentity(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateIdentity("telegram:123456"))
	assert.NoError(t, v.ValidateIdentity("local:laptop"))
	assert.Error(t, v.ValidateIdentity("123456"))
}

func TestValidateCronSpec(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateCronSpec(""))
	assert.NoError(t, v.ValidateCronSpec("@every 10m"))
	assert.NoError(t, v.ValidateCronSpec("0 3 * * *"))
	assert.Error(t, v.ValidateCronSpec("61 * * * *"))
}
