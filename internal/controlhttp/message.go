package controlhttp

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/keithlinneman/linnemanlabs-vault/internal/xerrors"
)

// TypeSetPassword is the only message type the vault understands.
const TypeSetPassword = "SET_PASSWORD"

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Message is an inbound control message.
type Message struct {
	Type     string `json:"type"`
	Password string `json:"password"`
}

// Reply answers exactly one Message.
type Reply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func failure(msg string) Reply { return Reply{Error: msg} }

// parseMessage decodes b and checks the type. Unknown fields are ignored.
func parseMessage(b []byte) (Message, error) {
	var m Message
	if len(strings.TrimSpace(string(b))) == 0 {
		return m, xerrors.Mark(xerrors.New("empty body"), ErrMalformed)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, xerrors.Mark(err, ErrMalformed)
	}
	if m.Type != TypeSetPassword {
		return m, xerrors.Mark(xerrors.Newf("type %q", m.Type), ErrUnknownType)
	}
	return m, nil
}
