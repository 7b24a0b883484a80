//go:build !windows

package handlers

import (
	"errors"
	"testing"

	"github.com/harun/p42r/pkg/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecStreamsOutput(t *testing.T) {
	h := NewExecShell(Config{})
	ec := newExecContext(t, "echo hello")

	err := h.Execute(testContext(t), []string{"echo", "hello"}, ec)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", ec.text())
}

func TestExecNoOutput(t *testing.T) {
	h := NewExecShell(Config{})
	ec := newExecContext(t, "true")

	require.NoError(t, h.Execute(testContext(t), []string{"true"}, ec))
	assert.Equal(t, "(no output)", ec.text())
}

func TestExecNonZeroExit(t *testing.T) {
	h := NewExecShell(Config{Shell: true})
	ec := newExecContext(t, "echo oops; exit 3")

	err := h.Execute(testContext(t), []string{"echo", "oops;", "exit", "3"}, ec)
	var exitErr *action.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Equal(t, "oops\n", ec.text())
}

func TestExecShellModeUsesRawText(t *testing.T) {
	h := NewExecShell(Config{Shell: true})
	ec := newExecContext(t, "echo abc | tr a x")

	require.NoError(t, h.Execute(testContext(t), []string{"echo", "abc", "|", "tr", "a", "x"}, ec))
	assert.Equal(t, "xbc\n", ec.text())
}

func TestExecShellModeQuotesArgsWithoutRawText(t *testing.T) {
	h := NewExecShell(Config{Shell: true})
	ec := newExecContext(t, "")

	require.NoError(t, h.Execute(testContext(t), []string{"printf", "%s|", "a b"}, ec))
	assert.Equal(t, "a b|", ec.text())
}

func TestExecArgvModeDoesNotInterpret(t *testing.T) {
	h := NewExecShell(Config{})
	ec := newExecContext(t, "echo a | b")

	require.NoError(t, h.Execute(testContext(t), []string{"echo", "a", "|", "b"}, ec))
	assert.Equal(t, "a | b\n", ec.text())
}

func TestExecCommandNotFound(t *testing.T) {
	h := NewExecShell(Config{})
	ec := newExecContext(t, "definitely-not-a-command-p42r")

	err := h.Execute(testContext(t), []string{"definitely-not-a-command-p42r"}, ec)
	var verr *action.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "Command not found")
}

func TestExecAllowlistValidation(t *testing.T) {
	al, err := NewAllowlist([]AllowlistEntry{{Command: "uptime"}})
	require.NoError(t, err)
	h := NewExecShell(Config{Shell: true, AllowlistEnabled: true, Allowlist: al})

	assert.NoError(t, h.Validate([]string{"uptime"}))
	err = h.Validate([]string{"rm", "-rf", "/"})
	var verr *action.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "not in the allowlist")

	// The allowlist forces argv mode even when shell mode is configured.
	assert.False(t, h.shellMode())
}

func TestExecRegistersWithAliases(t *testing.T) {
	reg := action.NewRegistry("help")
	require.NoError(t, Register(reg, Config{}))

	for _, verb := range []string{"exec", "run", "sh", "ps", "processes", "kill", "screenshot", "shot", "sysinfo"} {
		assert.True(t, reg.Has(verb), verb)
	}
	assert.Error(t, reg.Validate("exec", nil))
	assert.Error(t, reg.Validate("kill", []string{"1"}))
}
