// Command clock is a minimal deckhost plugin: it renders the current time on
// its button and, when pressed, switches to a configured page for a few
// seconds. It is built as a standalone module, so the wire types are
// declared locally; they align with deckhost/pkg/protocol.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

type envelope struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type renderPayload struct {
	Text       string `json:"text"`
	Foreground string `json:"foreground,omitempty"`
	Background string `json:"background,omitempty"`
	Align      string `json:"align,omitempty"`
}

type pageSwitchPayload struct {
	Page       int   `json:"page,omitempty"`
	DurationMs int64 `json:"duration_ms,omitempty"`
}

type logPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

var nextID uint64

func send(conn net.Conn, typ string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	nextID++
	body, err := json.Marshal(envelope{ID: nextID, Type: typ, Payload: raw})
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	_, err = conn.Write(frame)
	return err
}

// readEnvelope blocks with a short deadline so the tickers keep running.
func readEnvelope(conn net.Conn, buf *[]byte) (*envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	chunk := make([]byte, 4096)
	n, err := conn.Read(chunk)
	if n > 0 {
		*buf = append(*buf, chunk[:n]...)
	}
	if len(*buf) >= 4 {
		size := int(binary.BigEndian.Uint32((*buf)[:4]))
		if len(*buf) >= 4+size {
			var env envelope
			if jsonErr := json.Unmarshal((*buf)[4:4+size], &env); jsonErr != nil {
				return nil, jsonErr
			}
			*buf = (*buf)[4+size:]
			return &env, nil
		}
	}
	return nil, err
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <socket-path> <config-json>\n", os.Args[0])
		os.Exit(2)
	}

	var config map[string]any
	if err := json.Unmarshal([]byte(os.Args[2]), &config); err != nil {
		slog.Error("Bad config argument", "error", err)
		os.Exit(2)
	}

	format := "15:04:05"
	if v, ok := config["format"].(string); ok && v != "" {
		format = v
	}
	switchPage := 0
	if v, ok := config["switch_page"].(float64); ok {
		switchPage = int(v)
	}

	conn, err := net.Dial("unix", os.Args[1])
	if err != nil {
		slog.Error("Cannot reach host", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := send(conn, "ready", nil); err != nil {
		slog.Error("Handshake failed", "error", err)
		os.Exit(1)
	}
	_ = send(conn, "log_message", logPayload{Level: "info", Text: "clock plugin started"})

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var buf []byte
	for {
		select {
		case <-heartbeat.C:
			if err := send(conn, "heartbeat", nil); err != nil {
				os.Exit(1)
			}
			continue
		case <-tick.C:
			_ = send(conn, "update_image_render", renderPayload{
				Text:       time.Now().Format(format),
				Foreground: "#ffffff",
				Background: "#000000",
				Align:      "center",
			})
			continue
		default:
		}

		env, err := readEnvelope(conn, &buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return // Channel closed: host went away
		}
		if env == nil {
			continue
		}

		switch env.Type {
		case "button_pressed":
			if switchPage > 0 {
				_ = send(conn, "request_page_switch", pageSwitchPayload{Page: switchPage, DurationMs: 5000})
			}
		case "config_update":
			var p struct {
				Config map[string]any `json:"config"`
			}
			if json.Unmarshal(env.Payload, &p) == nil {
				if v, ok := p.Config["format"].(string); ok && v != "" {
					format = v
				}
			}
		case "shutdown":
			_ = send(conn, "log_message", logPayload{Level: "info", Text: "clock plugin stopping"})
			return
		}
	}
}
