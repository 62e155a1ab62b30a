// Package protocol defines the wire contract between the host and plugin
// processes. A frame is a 4-byte big-endian length prefix followed by a JSON
// envelope carrying a type tag and a typed payload. The message set is a
// closed sum type; decoding matches the tag exhaustively.
package protocol

import "encoding/json"

// MsgType is the type discriminator carried in every envelope.
type MsgType string

// Host -> plugin message types.
const (
	MsgButtonPressed  MsgType = "button_pressed"
	MsgButtonReleased MsgType = "button_released"
	MsgButtonVisible  MsgType = "button_visible"
	MsgButtonHidden   MsgType = "button_hidden"
	MsgConfigUpdate   MsgType = "config_update"
	MsgShutdown       MsgType = "shutdown"
)

// Plugin -> host message types.
const (
	MsgUpdateImageRaw    MsgType = "update_image_raw"
	MsgUpdateImageRender MsgType = "update_image_render"
	MsgRequestPageSwitch MsgType = "request_page_switch"
	MsgLogMessage        MsgType = "log_message"
	MsgHeartbeat         MsgType = "heartbeat"
	MsgReady             MsgType = "ready"
)

// Bidirectional message types.
const (
	MsgError MsgType = "error"
	MsgAck   MsgType = "ack"
)

// Message is implemented by every payload type in the protocol.
// Messages are immutable values; nothing retains one after dispatch.
type Message interface {
	Kind() MsgType
}

// ButtonPressed notifies the plugin that its button was pressed.
type ButtonPressed struct{}

// ButtonReleased notifies the plugin that its button was released.
type ButtonReleased struct{}

// ButtonVisible notifies the plugin that its button entered the visible page.
type ButtonVisible struct {
	Page   int `json:"page"`
	Button int `json:"button"`
}

// ButtonHidden notifies the plugin that its button left the visible page.
type ButtonHidden struct{}

// ConfigUpdate replaces the plugin's configuration in place.
type ConfigUpdate struct {
	Config map[string]any `json:"config"`
}

// Shutdown asks the plugin process to exit voluntarily.
type Shutdown struct{}

// UpdateImageRaw carries an encoded pixel buffer for the button.
type UpdateImageRaw struct {
	Data   []byte `json:"data"`
	Format string `json:"format"`
}

// UpdateImageRender carries a declarative render instruction; the host's
// rendering pipeline turns it into a bitmap.
type UpdateImageRender struct {
	Text       string `json:"text"`
	Icon       string `json:"icon,omitempty"`
	Foreground string `json:"foreground,omitempty"`
	Background string `json:"background,omitempty"`
	Align      string `json:"align,omitempty"`
}

// RequestPageSwitch asks the host to switch pages. A non-zero duration
// schedules an automatic revert to the previously active page.
type RequestPageSwitch struct {
	Page       int   `json:"page,omitempty"`
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// LogMessage forwards a plugin log record to the host logger.
type LogMessage struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Heartbeat is the periodic liveness signal, expected at least every 5s.
type Heartbeat struct{}

// Ready must be the first message a plugin sends after connecting.
type Ready struct{}

// ErrorMessage reports a failure to the peer.
type ErrorMessage struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Ack acknowledges the message with envelope id Ref. OK is false when the
// request was refused (for example a page switch without a grant).
type Ack struct {
	Ref uint64 `json:"ref"`
	OK  bool   `json:"ok"`
}

func (ButtonPressed) Kind() MsgType     { return MsgButtonPressed }
func (ButtonReleased) Kind() MsgType    { return MsgButtonReleased }
func (ButtonVisible) Kind() MsgType     { return MsgButtonVisible }
func (ButtonHidden) Kind() MsgType      { return MsgButtonHidden }
func (ConfigUpdate) Kind() MsgType      { return MsgConfigUpdate }
func (Shutdown) Kind() MsgType          { return MsgShutdown }
func (UpdateImageRaw) Kind() MsgType    { return MsgUpdateImageRaw }
func (UpdateImageRender) Kind() MsgType { return MsgUpdateImageRender }
func (RequestPageSwitch) Kind() MsgType { return MsgRequestPageSwitch }
func (LogMessage) Kind() MsgType        { return MsgLogMessage }
func (Heartbeat) Kind() MsgType         { return MsgHeartbeat }
func (Ready) Kind() MsgType             { return MsgReady }
func (ErrorMessage) Kind() MsgType      { return MsgError }
func (Ack) Kind() MsgType               { return MsgAck }

// envelope is the JSON shape of every frame body.
type envelope struct {
	ID      uint64          `json:"id"`
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// decodePayload maps a type tag onto its concrete message. An unknown tag is
// a recoverable ProtocolError: the caller logs and drops the frame.
func decodePayload(typ MsgType, payload json.RawMessage) (Message, error) {
	unmarshal := func(dst any) error {
		if len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, dst)
	}

	switch typ {
	case MsgButtonPressed:
		return ButtonPressed{}, nil
	case MsgButtonReleased:
		return ButtonReleased{}, nil
	case MsgButtonVisible:
		var m ButtonVisible
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed button_visible payload", Err: err}
		}
		return m, nil
	case MsgButtonHidden:
		return ButtonHidden{}, nil
	case MsgConfigUpdate:
		var m ConfigUpdate
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed config_update payload", Err: err}
		}
		return m, nil
	case MsgShutdown:
		return Shutdown{}, nil
	case MsgUpdateImageRaw:
		var m UpdateImageRaw
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed update_image_raw payload", Err: err}
		}
		return m, nil
	case MsgUpdateImageRender:
		var m UpdateImageRender
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed update_image_render payload", Err: err}
		}
		return m, nil
	case MsgRequestPageSwitch:
		var m RequestPageSwitch
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed request_page_switch payload", Err: err}
		}
		return m, nil
	case MsgLogMessage:
		var m LogMessage
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed log_message payload", Err: err}
		}
		return m, nil
	case MsgHeartbeat:
		return Heartbeat{}, nil
	case MsgReady:
		return Ready{}, nil
	case MsgError:
		var m ErrorMessage
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed error payload", Err: err}
		}
		return m, nil
	case MsgAck:
		var m Ack
		if err := unmarshal(&m); err != nil {
			return nil, &ProtocolError{Reason: "malformed ack payload", Err: err}
		}
		return m, nil
	default:
		return nil, &ProtocolError{Reason: "unknown message type " + string(typ)}
	}
}
