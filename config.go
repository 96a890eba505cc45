package halloy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~emersion/go-scfg"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/dreamydevstar/halloy/irc"
)

type SASLConfig struct {
	Mechanism   string `yaml:"mechanism" validate:"omitempty,oneof=PLAIN EXTERNAL"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password-env"`
}

type ServerConfig struct {
	Name          string `yaml:"name" validate:"required"`
	Addr          string `yaml:"addr" validate:"required"`
	TLS           bool   `yaml:"tls"`
	TLSSkipVerify bool   `yaml:"tls-skip-verify"`

	Nick     string `yaml:"nick" validate:"required"`
	User     string `yaml:"user"`
	Real     string `yaml:"real"`
	Password string `yaml:"password"`

	SASL         *SASLConfig `yaml:"sasl"`
	RequireSASL  bool        `yaml:"require-sasl"`
	Capabilities []string    `yaml:"capabilities"`
	Channels     []string    `yaml:"channels"`

	RateLimit    float64       `yaml:"rate-limit" validate:"gte=0"`
	RateBurst    int           `yaml:"rate-burst" validate:"gte=0"`
	PingInterval time.Duration `yaml:"ping-interval" validate:"gte=0"`
	PingTimeout  time.Duration `yaml:"ping-timeout" validate:"gte=0"`

	// Disabled servers are known but not connected on start.
	Disabled bool `yaml:"disabled"`
}

type RetentionConfig struct {
	MaxLines int           `yaml:"max-lines" validate:"gte=0"`
	MaxAge   time.Duration `yaml:"max-age" validate:"gte=0"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial" validate:"gte=0"`
	Max     time.Duration `yaml:"max" validate:"gtefield=Initial"`
	Jitter  float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

type Config struct {
	Servers     []ServerConfig  `yaml:"servers" validate:"required,min=1,unique=Name,dive"`
	Highlights  []string        `yaml:"highlights"`
	SmartFilter time.Duration   `yaml:"smart-filter" validate:"gte=0"`
	Retention   RetentionConfig `yaml:"retention"`
	Backoff     BackoffConfig   `yaml:"backoff"`
	HistoryPath string          `yaml:"history-path"`
	Debug       bool            `yaml:"debug"`
}

const (
	defaultMaxLines       = 10000
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 5 * time.Minute
	defaultBackoffJitter  = 0.2
)

var validate = validator.New()

func (cfg *Config) setDefaults() {
	if cfg.Retention.MaxLines == 0 {
		cfg.Retention.MaxLines = defaultMaxLines
	}
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff.Initial = defaultBackoffInitial
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = defaultBackoffMax
	}
	if cfg.Backoff.Jitter == 0 {
		cfg.Backoff.Jitter = defaultBackoffJitter
	}
	for i := range cfg.Servers {
		cfg.Servers[i].setDefaults()
	}
}

func (srv *ServerConfig) setDefaults() {
	if srv.Name == "" {
		srv.Name = srv.Addr
	}
	if srv.User == "" {
		srv.User = srv.Nick
	}
	if srv.Real == "" {
		srv.Real = srv.Nick
	}
	if srv.SASL != nil {
		if srv.SASL.Mechanism == "" {
			srv.SASL.Mechanism = "PLAIN"
		}
		srv.SASL.Mechanism = strings.ToUpper(srv.SASL.Mechanism)
		if srv.SASL.Username == "" {
			srv.SASL.Username = srv.Nick
		}
	}
}

// resolve reads the passwords given by environment variable.
func (srv *ServerConfig) resolve() error {
	if srv.SASL == nil || srv.SASL.PasswordEnv == "" {
		return nil
	}
	password, ok := os.LookupEnv(srv.SASL.PasswordEnv)
	if !ok || password == "" {
		return fmt.Errorf("server %q: environment variable %q is not set", srv.Name, srv.SASL.PasswordEnv)
	}
	srv.SASL.Password = password
	return nil
}

// Finish applies defaults, resolves environment passwords and validates
// cfg. The Parse functions call it.
func (cfg *Config) Finish() error {
	cfg.setDefaults()
	for i := range cfg.Servers {
		if err := cfg.Servers[i].resolve(); err != nil {
			return err
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Validate checks a single server configuration, as given to
// App.AddServer.
func (srv *ServerConfig) Validate() error {
	srv.setDefaults()
	if err := srv.resolve(); err != nil {
		return err
	}
	if err := validate.Struct(srv); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}
	return nil
}

func ParseYAMLConfig(buf []byte) (cfg Config, err error) {
	if err = yaml.Unmarshal(buf, &cfg); err != nil {
		return
	}
	err = cfg.Finish()
	return
}

// ParseConfig parses the scfg format:
//
//	highlight me myself
//	server libera {
//		addr irc.libera.chat
//		tls
//		nick me
//		sasl PLAIN me hunter2
//		channels #go-nuts #halloy
//	}
func ParseConfig(buf []byte) (cfg Config, err error) {
	block, err := scfg.Read(bytes.NewReader(buf))
	if err != nil {
		return
	}
	for _, d := range block {
		switch d.Name {
		case "highlight", "highlights":
			cfg.Highlights = append(cfg.Highlights, d.Params...)
		case "smart-filter":
			cfg.SmartFilter, err = durationParam(d)
		case "history-path":
			cfg.HistoryPath, err = stringParam(d)
		case "debug":
			cfg.Debug, err = boolParam(d)
		case "retention":
			err = parseRetention(d.Children, &cfg.Retention)
		case "backoff":
			err = parseBackoff(d.Children, &cfg.Backoff)
		case "server":
			var srv ServerConfig
			if 0 < len(d.Params) {
				srv.Name = d.Params[0]
			}
			err = parseServer(d.Children, &srv)
			cfg.Servers = append(cfg.Servers, srv)
		default:
			err = fmt.Errorf("unknown directive %q", d.Name)
		}
		if err != nil {
			return
		}
	}
	err = cfg.Finish()
	return
}

func parseRetention(block scfg.Block, r *RetentionConfig) (err error) {
	for _, d := range block {
		switch d.Name {
		case "max-lines":
			r.MaxLines, err = intParam(d)
		case "max-age":
			r.MaxAge, err = durationParam(d)
		default:
			err = fmt.Errorf("retention: unknown directive %q", d.Name)
		}
		if err != nil {
			return
		}
	}
	return
}

func parseBackoff(block scfg.Block, b *BackoffConfig) (err error) {
	for _, d := range block {
		switch d.Name {
		case "initial":
			b.Initial, err = durationParam(d)
		case "max":
			b.Max, err = durationParam(d)
		case "jitter":
			var s string
			if s, err = stringParam(d); err == nil {
				b.Jitter, err = strconv.ParseFloat(s, 64)
			}
		default:
			err = fmt.Errorf("backoff: unknown directive %q", d.Name)
		}
		if err != nil {
			return
		}
	}
	return
}

func parseServer(block scfg.Block, srv *ServerConfig) (err error) {
	for _, d := range block {
		switch d.Name {
		case "addr":
			srv.Addr, err = stringParam(d)
		case "tls":
			srv.TLS, err = boolParam(d)
		case "tls-skip-verify":
			srv.TLSSkipVerify, err = boolParam(d)
		case "nick":
			srv.Nick, err = stringParam(d)
		case "user", "username":
			srv.User, err = stringParam(d)
		case "real", "realname":
			srv.Real, err = stringParam(d)
		case "password":
			srv.Password, err = stringParam(d)
		case "sasl":
			srv.SASL, err = parseSASL(d)
		case "require-sasl":
			srv.RequireSASL, err = boolParam(d)
		case "capabilities":
			srv.Capabilities = append(srv.Capabilities, d.Params...)
		case "channels", "channel":
			srv.Channels = append(srv.Channels, d.Params...)
		case "rate":
			if len(d.Params) != 2 {
				return fmt.Errorf("server %q: rate: expected a rate and a burst", srv.Name)
			}
			if srv.RateLimit, err = strconv.ParseFloat(d.Params[0], 64); err != nil {
				return
			}
			srv.RateBurst, err = strconv.Atoi(d.Params[1])
		case "ping-interval":
			srv.PingInterval, err = durationParam(d)
		case "ping-timeout":
			srv.PingTimeout, err = durationParam(d)
		case "disabled":
			srv.Disabled, err = boolParam(d)
		default:
			err = fmt.Errorf("server %q: unknown directive %q", srv.Name, d.Name)
		}
		if err != nil {
			return
		}
	}
	return
}

// parseSASL accepts both "sasl <mechanism> [<user> <password>]" and a
// block.
func parseSASL(d *scfg.Directive) (*SASLConfig, error) {
	sasl := &SASLConfig{}
	if 0 < len(d.Params) {
		sasl.Mechanism = d.Params[0]
	}
	if len(d.Params) == 3 {
		sasl.Username = d.Params[1]
		sasl.Password = d.Params[2]
	} else if 1 < len(d.Params) {
		return nil, fmt.Errorf("sasl: expected a mechanism, a username and a password")
	}
	for _, child := range d.Children {
		var err error
		switch child.Name {
		case "mechanism":
			sasl.Mechanism, err = stringParam(child)
		case "username":
			sasl.Username, err = stringParam(child)
		case "password":
			sasl.Password, err = stringParam(child)
		case "password-env":
			sasl.PasswordEnv, err = stringParam(child)
		default:
			err = fmt.Errorf("sasl: unknown directive %q", child.Name)
		}
		if err != nil {
			return nil, err
		}
	}
	return sasl, nil
}

func stringParam(d *scfg.Directive) (string, error) {
	if len(d.Params) != 1 {
		return "", fmt.Errorf("%s: expected one parameter", d.Name)
	}
	return d.Params[0], nil
}

func intParam(d *scfg.Directive) (int, error) {
	s, err := stringParam(d)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.Name, err)
	}
	return n, nil
}

func durationParam(d *scfg.Directive) (time.Duration, error) {
	s, err := stringParam(d)
	if err != nil {
		return 0, err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.Name, err)
	}
	return dur, nil
}

// boolParam reads a flag directive: no parameter means true.
func boolParam(d *scfg.Directive) (bool, error) {
	if len(d.Params) == 0 {
		return true, nil
	}
	s, err := stringParam(d)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s: %w", d.Name, err)
	}
	return b, nil
}

// LoadConfigFile reads filename, as YAML if its extension says so and as
// scfg otherwise.
func LoadConfigFile(filename string) (cfg Config, err error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		cfg, err = ParseYAMLConfig(buf)
	default:
		cfg, err = ParseConfig(buf)
	}
	if err != nil {
		err = fmt.Errorf("%s: %w", filename, err)
	}
	return
}

// DefaultConfigPath is where the configuration is looked up when no path
// is given.
func DefaultConfigPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "halloy", "halloy.scfg"), nil
}

// ConnParams returns the connection parameters of the server. Dial and
// Logger are left to the caller.
func (srv *ServerConfig) ConnParams() irc.ConnParams {
	var auth *irc.SASLParams
	if srv.SASL != nil {
		auth = &irc.SASLParams{
			Mechanism: srv.SASL.Mechanism,
			Username:  srv.SASL.Username,
			Password:  srv.SASL.Password,
		}
	}
	return irc.ConnParams{
		Addr:          srv.Addr,
		TLS:           srv.TLS,
		TLSSkipVerify: srv.TLSSkipVerify,
		Nickname:      srv.Nick,
		Username:      srv.User,
		RealName:      srv.Real,
		Password:      srv.Password,
		Capabilities:  srv.Capabilities,
		SASL:          auth,
		RequireSASL:   srv.RequireSASL,
		PingInterval:  srv.PingInterval,
		PingTimeout:   srv.PingTimeout,
		Rate:          rate.Limit(srv.RateLimit),
		Burst:         srv.RateBurst,
	}
}
