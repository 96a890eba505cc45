package halloy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsN(t *testing.T) {
	tests := []struct {
		input    string
		n        int
		expected []string
	}{
		{"", 2, nil},
		{"   ", 2, nil},
		{"a b c", 0, nil},
		{"a b c", 1, []string{"a b c"}},
		{"a b c", 2, []string{"a", "b c"}},
		{"  a   b  c ", 2, []string{"a", "b  c"}},
		{"a b", 5, []string{"a", "b"}},
		{"#chan +o bob", 5, []string{"#chan", "+o", "bob"}},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, fieldsN(test.input, test.n), "fieldsN(%q, %d)", test.input, test.n)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input     string
		command   string
		args      string
		isCommand bool
	}{
		{"hello", "", "hello", false},
		{"/join #a", "JOIN", "#a", true},
		{"/Msg   bob hi", "MSG", "bob hi", true},
		{"/quit", "QUIT", "", true},
		{"//not a command", "", "/not a command", false},
		{"/", "", "", true},
	}
	for _, test := range tests {
		command, args, isCommand := parseCommand(test.input)
		assert.Equal(t, test.command, command, test.input)
		assert.Equal(t, test.args, args, test.input)
		assert.Equal(t, test.isCommand, isCommand, test.input)
	}
}

func TestLookupCommand(t *testing.T) {
	name, cmd, err := lookupCommand("J")
	require.NoError(t, err)
	assert.Equal(t, "JOIN", name)
	assert.Equal(t, 1, cmd.MinArgs)

	// exact names win over longer commands
	name, _, err = lookupCommand("ME")
	require.NoError(t, err)
	assert.Equal(t, "ME", name)

	_, _, err = lookupCommand("QU")
	assert.EqualError(t, err, `ambiguous command "QU" (could mean QUIT, QUOTE)`)

	_, _, err = lookupCommand("NOPE")
	assert.EqualError(t, err, `command "NOPE" doesn't exist`)
}

func TestCheckTargets(t *testing.T) {
	assert.NoError(t, checkChannel("#go-nuts"))
	assert.NoError(t, checkChannel("#a,#b"))
	assert.Error(t, checkChannel("go-nuts"))
	assert.Error(t, checkChannel("#a,b"))

	assert.NoError(t, checkNick("bob"))
	assert.Error(t, checkNick("bob smith"))

	assert.NoError(t, checkTarget("#chan"))
	assert.NoError(t, checkTarget("bob"))
	assert.Error(t, checkTarget(""))
}
