package operator_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/gridvm/pkg/gridvm/operator"
	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

func TestParseSimpleCommands(t *testing.T) {
	cases := map[string]operator.Command{
		"this":           operator.This{},
		"list_runtimes":  operator.ListRuntimes{},
		"list_programs":  operator.ListPrograms{},
		"shutdown":       operator.Shutdown{},
		"exit":           operator.Exit{},
		"help":           operator.Help{},
	}
	for line, want := range cases {
		got, err := operator.Parse(line)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestParseMigrate(t *testing.T) {
	got, err := operator.Parse("migrate abc123 2 r9")
	require.NoError(t, err)
	require.Equal(t, operator.Migrate{
		ProgramID: types.ProgramID("abc123"),
		ThreadID:  types.ThreadID(2),
		Dest:      types.RuntimeID("r9"),
	}, got)
}

func TestParseMigrateRequiresThreeArgs(t *testing.T) {
	_, err := operator.Parse("migrate abc123 2")
	require.Error(t, err)
}

func TestParseMigrateRejectsBadThreadID(t *testing.T) {
	_, err := operator.Parse("migrate abc123 notanumber r9")
	require.Error(t, err)
}

func TestParseBlankLine(t *testing.T) {
	got, err := operator.Parse("   ")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := operator.Parse("frobnicate")
	require.ErrorIs(t, err, operator.ErrUnknownCommand)
}
