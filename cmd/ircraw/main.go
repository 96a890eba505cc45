package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/dreamydevstar/halloy"
	"github.com/dreamydevstar/halloy/irc"
)

var (
	configPath string
	serverName string
	address    string
	nick       string
	password   string
	useTLS     bool
)

func main() {
	params, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircraw: %v\n", err)
		os.Exit(1)
	}

	oldState, err := term.MakeRaw(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircraw: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(0, oldState)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, "> ")

	fmt.Fprintf(t, "Connecting to %s...\n", params.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := irc.Connect(ctx, params)

	go func() {
		for {
			line, err := t.ReadLine()
			if err != nil {
				break
			}
			msg, err := irc.ParseMessage(line)
			if err != nil {
				fmt.Fprintf(t, "invalid line: %v\n", err)
				continue
			}
			conn.Send(msg)
		}
		conn.Close("")
	}()

	for ev := range conn.Events() {
		switch ev := ev.(type) {
		case irc.RawMessageEvent:
			if ev.Outgoing {
				fmt.Fprintf(t, "C  > S: %s\n", ev.Line)
			} else {
				fmt.Fprintf(t, "C <  S: %s\n", ev.Line)
			}
		case irc.DisconnectedEvent:
			t.SetPrompt("")
			if ev.Err != nil {
				fmt.Fprintf(t, "Disconnected: %v\n", ev.Err)
			} else {
				fmt.Fprintln(t, "Disconnected")
			}
			return
		default:
			fmt.Fprintf(t, "=EVENT: %T%+v\n", ev, ev)
		}
	}
}

func parseFlags() (irc.ConnParams, error) {
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.StringVar(&serverName, "server", "", "name of the configured server to use")
	flag.StringVar(&address, "address", "", "server address")
	flag.StringVar(&nick, "nick", "halloy", "IRC nick/user to use")
	flag.StringVar(&password, "password", "", "SASL PLAIN password to use")
	flag.BoolVar(&useTLS, "tls", false, "use tls")
	flag.Parse()

	if address != "" {
		params := irc.ConnParams{
			Addr:     address,
			TLS:      useTLS,
			Nickname: nick,
			Username: nick,
			RealName: nick,
		}
		if password != "" {
			params.SASL = &irc.SASLParams{Mechanism: "PLAIN", Username: nick, Password: password}
		}
		return params, nil
	}

	if configPath == "" {
		var err error
		configPath, err = halloy.DefaultConfigPath()
		if err != nil {
			return irc.ConnParams{}, err
		}
	}
	cfg, err := halloy.LoadConfigFile(configPath)
	if err != nil {
		return irc.ConnParams{}, fmt.Errorf("failed to load %q: %w", configPath, err)
	}

	srv := cfg.Servers[0]
	if serverName != "" {
		found := false
		for _, s := range cfg.Servers {
			if s.Name == serverName {
				srv, found = s, true
				break
			}
		}
		if !found {
			return irc.ConnParams{}, fmt.Errorf("no server named %q in %q", serverName, configPath)
		}
	}
	return srv.ConnParams(), nil
}
