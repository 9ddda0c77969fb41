package connection

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types sent by the server besides the channel ones.
const (
	TypeWelcome    = "welcome"
	TypePing       = "ping"
	TypeDisconnect = "disconnect"
)

// Client commands.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandMessage     = "message"
)

// Disconnect reasons.
const (
	ReasonServerRestart = "server_restart"
)

var (
	// ErrClosed is returned by Transmit once the connection is closing.
	ErrClosed = errors.New("connection: closed")
	// ErrSendBufferFull is returned when a slow client cannot keep up.
	ErrSendBufferFull = errors.New("connection: send buffer full")
	// ErrInvalidIdentifier is returned for identifiers without a channel name.
	ErrInvalidIdentifier = errors.New("connection: invalid channel identifier")
)

// Command is a message from the client. Identifier and Data are JSON
// documents encoded as strings.
type Command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// frame is a message to the client.
type frame struct {
	Type       string `json:"type,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Message    any    `json:"message,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Reconnect  *bool  `json:"reconnect,omitempty"`
}

// parseIdentifier decodes a subscription identifier such as
// {"channel":"CommentsChannel","id":45} and returns the channel class name
// and the full parameter set.
func parseIdentifier(identifier string) (string, map[string]any, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(identifier), &params); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidIdentifier, err)
	}
	name, _ := params["channel"].(string)
	if name == "" {
		return "", nil, fmt.Errorf("%w: missing channel", ErrInvalidIdentifier)
	}
	return name, params, nil
}

// parseData decodes the data of a message command and extracts its action.
func parseData(data string) (string, map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return "", nil, fmt.Errorf("decoding message data: %w", err)
	}
	action, _ := payload["action"].(string)
	if action == "" {
		return "", nil, errors.New("message data has no action")
	}
	return action, payload, nil
}
