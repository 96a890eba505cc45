package irc

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// saslChunkLen is the maximum length of an AUTHENTICATE payload.
const saslChunkLen = 400

// SASLParams selects a SASL mechanism and its credentials.
type SASLParams struct {
	Mechanism string // PLAIN or EXTERNAL
	Username  string
	Password  string
}

// Client returns the go-sasl client for the mechanism.
func (p SASLParams) Client() (sasl.Client, error) {
	switch strings.ToUpper(p.Mechanism) {
	case sasl.Plain, "":
		return sasl.NewPlainClient("", p.Username, p.Password), nil
	case sasl.External:
		return sasl.NewExternalClient(""), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", p.Mechanism)
	}
}

// authenticateMessages encodes a SASL response into AUTHENTICATE messages.
// A payload whose length is a multiple of 400 ends with "AUTHENTICATE +".
func authenticateMessages(resp []byte) (msgs []Message) {
	if len(resp) == 0 {
		return []Message{NewMessage("AUTHENTICATE", "+")}
	}
	encoded := base64.StdEncoding.EncodeToString(resp)
	for len(encoded) >= saslChunkLen {
		msgs = append(msgs, NewMessage("AUTHENTICATE", encoded[:saslChunkLen]))
		encoded = encoded[saslChunkLen:]
	}
	if encoded == "" {
		encoded = "+"
	}
	return append(msgs, NewMessage("AUTHENTICATE", encoded))
}

// challengeBuffer reassembles a server challenge sent in chunks.
type challengeBuffer struct {
	sb strings.Builder
}

// add appends a chunk. It returns the decoded challenge once the last chunk
// has been received, and done is false while more chunks are expected.
func (cb *challengeBuffer) add(chunk string) (challenge []byte, done bool, err error) {
	if chunk != "+" {
		cb.sb.WriteString(chunk)
	}
	if len(chunk) == saslChunkLen {
		return nil, false, nil
	}
	encoded := cb.sb.String()
	cb.sb.Reset()
	if encoded == "" {
		return nil, true, nil
	}
	challenge, err = base64.StdEncoding.DecodeString(encoded)
	return challenge, true, err
}
