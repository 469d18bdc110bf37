package commands

import (
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestStoreName_DefaultsWhenFlagMissing(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	require.Equal(t, "default", storeName(cmd))

	cmd.Flags().String("store", "tasks", "")
	require.Equal(t, "tasks", storeName(cmd))
}

func TestPrintedError_HidesOriginalMessage(t *testing.T) {
	err := cmdErr(errors.New("secret detail"))

	var pe printedError
	require.True(t, errors.As(err, &pe))
	require.NotContains(t, err.Error(), "secret detail")
}

func TestCmdErr_NilPassesThrough(t *testing.T) {
	require.NoError(t, cmdErr(nil))
}

func TestStateClear_RequiresConfirmation(t *testing.T) {
	cmd := newStateClearCmd()

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)

	var pe printedError
	require.True(t, errors.As(err, &pe))
	require.ErrorIs(t, pe.err, errNeedsConfirm)
}
