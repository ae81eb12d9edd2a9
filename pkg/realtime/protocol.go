package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine.IO v4 packet types.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
)

// Socket.IO v4 packet types, carried inside engine message packets.
const (
	socketConnect      = '0'
	socketDisconnect   = '1'
	socketEvent        = '2'
	socketConnectError = '4'
)

// openPacket is the Engine.IO handshake payload.
type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
	MaxPayload   int    `json:"maxPayload"`
}

// liveness returns how long the client may go without hearing from the
// server before treating the connection as dead.
func (o openPacket) liveness() time.Duration {
	d := time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
	if d <= 0 {
		return 45 * time.Second
	}
	return d
}

// frame is a decoded text frame.
type frame struct {
	engine byte
	socket byte
	// event and args are set for socket event packets.
	event string
	args  []json.RawMessage
	// data is the raw remainder (open payload, connect error payload).
	data string
}

func parseFrame(text string) (frame, error) {
	if text == "" {
		return frame{}, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	f := frame{engine: text[0], data: text[1:]}
	if f.engine != engineMessage {
		return f, nil
	}
	if f.data == "" {
		return f, fmt.Errorf("%w: empty message packet", ErrProtocol)
	}
	f.socket = f.data[0]
	rest := f.data[1:]

	// Skip an optional namespace ("/ns,") and ack id; only the default
	// namespace is used.
	if strings.HasPrefix(rest, "/") {
		if i := strings.IndexByte(rest, ','); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = ""
		}
	}
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		rest = rest[1:]
	}
	f.data = rest

	if f.socket != socketEvent {
		return f, nil
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &parts); err != nil || len(parts) == 0 {
		return f, fmt.Errorf("%w: bad event payload", ErrProtocol)
	}
	if err := json.Unmarshal(parts[0], &f.event); err != nil {
		return f, fmt.Errorf("%w: event name is not a string", ErrProtocol)
	}
	f.args = parts[1:]
	return f, nil
}

func encodeEvent(event string, args ...any) (string, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, event)
	parts = append(parts, args...)
	b, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", event, err)
	}
	return string([]byte{engineMessage, socketEvent}) + string(b), nil
}

func connectPacket() string {
	return string([]byte{engineMessage, socketConnect})
}

// websocketURL converts a server base URL (http, https, ws, wss) into the
// Engine.IO websocket endpoint.
func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url %q: unsupported scheme", base)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectErrorMessage reads {"message": "..."} from a connect error packet.
func connectErrorMessage(data string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(data), &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(data)
}
