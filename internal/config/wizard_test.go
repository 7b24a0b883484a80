package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardTelegramOwner(t *testing.T) {
	in := strings.NewReader("y\nbad-token\n123456:ABCdef_ghi\n4242\nn\ndebug\n")
	var out bytes.Buffer

	values, err := NewWizard(in, &out).Run()
	require.NoError(t, err)

	assert.Equal(t, true, values["telegram.enabled"])
	assert.Equal(t, "123456:ABCdef_ghi", values["telegram.bot_token"])
	assert.Equal(t, []string{"telegram:4242"}, values["pairing.bootstrap_allowlist"])
	assert.Equal(t, []string{"telegram:4242"}, values["engine.admins"])
	assert.Equal(t, false, values["gateway.enabled"])
	assert.Equal(t, "debug", values["logging.level"])
	assert.Contains(t, out.String(), "invalid Telegram bot token")
}

func TestWizardGatewayOnly(t *testing.T) {
	in := strings.NewReader("n\ny\n\n")
	var out bytes.Buffer

	values, err := NewWizard(in, &out).Run()
	require.NoError(t, err)

	secret, ok := values["gateway.shared_secret"].(string)
	require.True(t, ok)
	assert.Len(t, secret, 32)
	assert.NotContains(t, values, "logging.level")
}

func TestWizardRequiresAPlatform(t *testing.T) {
	_, err := NewWizard(strings.NewReader("n\nn\n"), &bytes.Buffer{}).Run()
	assert.Error(t, err)
}
