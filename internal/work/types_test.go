package work

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupActionsOrder(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []Action{
		ActionTestConnection,
		ActionKillChildProcesses,
		ActionDeleteClientCode,
		ActionInstallClientCode,
		ActionCheckClientCode,
		ActionSetupClientCode,
	}, SetupActions())

	for _, a := range SetupActions() {
		assert.True(t, a.IsSetup(), a.String())
	}
	assert.False(t, ActionCrawl.IsSetup())
	assert.Len(t, Actions(), len(actionNames))
}

func TestActionNamesRoundTrip(t *testing.T) {
	t.Parallel()

	for _, a := range Actions() {
		got, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAction("reboot")
	require.Error(t, err)
	assert.False(t, Action(0).Valid())
	assert.Equal(t, "action(99)", Action(99).String())
}
