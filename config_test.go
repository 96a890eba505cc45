package halloy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scfgConfig = `
highlight me myself
smart-filter 15m
retention {
	max-lines 500
	max-age 720h
}
backoff {
	initial 1s
	max 1m
	jitter 0.5
}
server libera {
	addr irc.libera.chat
	tls
	nick me
	sasl PLAIN acct hunter2
	require-sasl
	channels #go-nuts #halloy
	rate 1.5 4
	ping-interval 30s
}
server local {
	addr localhost:6667
	nick me
	disabled true
	sasl {
		password-env HALLOY_TEST_PASSWORD
	}
}
`

func TestParseConfig(t *testing.T) {
	t.Setenv("HALLOY_TEST_PASSWORD", "from-env")

	cfg, err := ParseConfig([]byte(scfgConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"me", "myself"}, cfg.Highlights)
	assert.Equal(t, 15*time.Minute, cfg.SmartFilter)
	assert.Equal(t, RetentionConfig{MaxLines: 500, MaxAge: 720 * time.Hour}, cfg.Retention)
	assert.Equal(t, BackoffConfig{Initial: time.Second, Max: time.Minute, Jitter: 0.5}, cfg.Backoff)

	require.Len(t, cfg.Servers, 2)
	libera := cfg.Servers[0]
	assert.Equal(t, "libera", libera.Name)
	assert.Equal(t, "irc.libera.chat", libera.Addr)
	assert.True(t, libera.TLS)
	assert.Equal(t, "me", libera.User)
	assert.Equal(t, "me", libera.Real)
	assert.Equal(t, &SASLConfig{Mechanism: "PLAIN", Username: "acct", Password: "hunter2"}, libera.SASL)
	assert.True(t, libera.RequireSASL)
	assert.Equal(t, []string{"#go-nuts", "#halloy"}, libera.Channels)
	assert.Equal(t, 1.5, libera.RateLimit)
	assert.Equal(t, 4, libera.RateBurst)
	assert.Equal(t, 30*time.Second, libera.PingInterval)

	local := cfg.Servers[1]
	assert.True(t, local.Disabled)
	require.NotNil(t, local.SASL)
	assert.Equal(t, "PLAIN", local.SASL.Mechanism)
	assert.Equal(t, "me", local.SASL.Username)
	assert.Equal(t, "from-env", local.SASL.Password)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"no server", "highlight me"},
		{"unknown directive", "colors {\n}\nserver a {\n\taddr a\n\tnick me\n}"},
		{"missing nick", "server a {\n\taddr a\n}"},
		{"duplicate names", "server a {\n\taddr a\n\tnick me\n}\nserver a {\n\taddr b\n\tnick me\n}"},
		{"bad duration", "smart-filter soon\nserver a {\n\taddr a\n\tnick me\n}"},
		{"bad mechanism", "server a {\n\taddr a\n\tnick me\n\tsasl SCRAM\n}"},
		{"missing env", "server a {\n\taddr a\n\tnick me\n\tsasl {\n\t\tpassword-env HALLOY_TEST_UNSET\n\t}\n}"},
		{"bad rate", "server a {\n\taddr a\n\tnick me\n\trate 2\n}"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(test.config))
			assert.Error(t, err)
		})
	}
}

const yamlConfig = `
highlights: [me]
smart-filter: 10m
history-path: /tmp/history.db
servers:
  - name: libera
    addr: irc.libera.chat:6697
    tls: true
    nick: me
    capabilities: [batch, server-time]
    sasl:
      mechanism: external
    ping-timeout: 45s
`

func TestParseYAMLConfig(t *testing.T) {
	cfg, err := ParseYAMLConfig([]byte(yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"me"}, cfg.Highlights)
	assert.Equal(t, 10*time.Minute, cfg.SmartFilter)
	assert.Equal(t, "/tmp/history.db", cfg.HistoryPath)
	assert.Equal(t, defaultMaxLines, cfg.Retention.MaxLines)
	assert.Equal(t, defaultBackoffInitial, cfg.Backoff.Initial)

	require.Len(t, cfg.Servers, 1)
	srv := cfg.Servers[0]
	assert.Equal(t, []string{"batch", "server-time"}, srv.Capabilities)
	assert.Equal(t, "EXTERNAL", srv.SASL.Mechanism)
	assert.Equal(t, 45*time.Second, srv.PingTimeout)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0o600))
	cfg, err := LoadConfigFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "libera", cfg.Servers[0].Name)

	scfgPath := filepath.Join(dir, "halloy.scfg")
	require.NoError(t, os.WriteFile(scfgPath, []byte("server a {\n\taddr a\n\tnick me\n}\n"), 0o600))
	cfg, err = LoadConfigFile(scfgPath)
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.Servers[0].Name)

	_, err = LoadConfigFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
