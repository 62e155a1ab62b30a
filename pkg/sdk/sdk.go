// Package sdk is the library plugin authors build against. It owns the
// channel back to the host: connecting, the READY handshake, heartbeats, and
// dispatching host messages onto a Handler.
//
// Handler lists the operations every plugin must provide; optional behavior
// is added by implementing the narrow hook interfaces, which the dispatcher
// discovers by type assertion. Mandatory coverage is therefore enforced by
// the compiler at construction, and the defaults are no-ops.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"deckhost/pkg/protocol"
)

// Handler is the mandatory operation set of a plugin.
type Handler interface {
	OnStart(c *Client) error
	OnButtonPressed(c *Client)
	OnButtonReleased(c *Client)
	OnButtonVisible(c *Client, page, button int)
	OnButtonHidden(c *Client)
	// Update is the periodic tick for polling-style plugins.
	Update(c *Client, now time.Time)
}

// ConfigUpdater is implemented by plugins that react to CONFIG_UPDATE.
type ConfigUpdater interface {
	OnConfigUpdate(c *Client, config map[string]any)
}

// ShutdownHook is implemented by plugins that clean up on SHUTDOWN.
type ShutdownHook interface {
	OnShutdown(c *Client)
}

// ErrorHook is implemented by plugins that want host-sent errors.
type ErrorHook interface {
	OnError(c *Client, message, detail string)
}

// Options tune the serve loop. Zero values use the protocol defaults.
type Options struct {
	HeartbeatInterval time.Duration // Default 5s, the host expects <=5s
	UpdateInterval    time.Duration // Default 1s
	ReadTimeout       time.Duration // Default 100ms
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.UpdateInterval == 0 {
		o.UpdateInterval = time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 100 * time.Millisecond
	}
	return o
}

// Client is the plugin's end of the channel.
type Client struct {
	conn   net.Conn
	writer *protocol.Writer
	config map[string]any
}

// Config returns the configuration the host resolved for this plugin.
func (c *Client) Config() map[string]any { return c.config }

// UpdateImageRaw sends an encoded pixel buffer for the button.
func (c *Client) UpdateImageRaw(data []byte, format string) error {
	_, err := c.writer.WriteMessage(protocol.UpdateImageRaw{Data: data, Format: format})
	return err
}

// UpdateImageRender asks the host to render text and an optional icon.
func (c *Client) UpdateImageRender(text, icon, foreground, background, align string) error {
	_, err := c.writer.WriteMessage(protocol.UpdateImageRender{
		Text:       text,
		Icon:       icon,
		Foreground: foreground,
		Background: background,
		Align:      align,
	})
	return err
}

// RequestPageSwitch asks the host to switch pages; a non-zero duration
// schedules the automatic revert. The host refuses without a grant.
func (c *Client) RequestPageSwitch(page int, duration time.Duration) error {
	_, err := c.writer.WriteMessage(protocol.RequestPageSwitch{
		Page:       page,
		DurationMs: duration.Milliseconds(),
	})
	return err
}

// Log forwards a log record to the host logger.
func (c *Client) Log(level, text string) error {
	_, err := c.writer.WriteMessage(protocol.LogMessage{Level: level, Text: text})
	return err
}

// ReportError reports a plugin-side failure to the host.
func (c *Client) ReportError(message, detail string) error {
	_, err := c.writer.WriteMessage(protocol.ErrorMessage{Message: message, Detail: detail})
	return err
}

// Serve connects to the host, performs the READY handshake, and runs the
// dispatch loop until SHUTDOWN arrives or ctx is cancelled. Messages are
// handled in arrival order on a single goroutine.
func Serve(ctx context.Context, socketPath string, config map[string]any, h Handler, opts Options) error {
	opts = opts.withDefaults()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to host: %w", err)
	}
	defer conn.Close()

	client := &Client{
		conn:   conn,
		writer: protocol.NewWriter(conn),
		config: config,
	}

	if _, err := client.writer.WriteMessage(protocol.Ready{}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	if err := h.OnStart(client); err != nil {
		_ = client.ReportError("on_start failed", err.Error())
		return err
	}

	heartbeat := time.NewTicker(opts.HeartbeatInterval)
	defer heartbeat.Stop()
	update := time.NewTicker(opts.UpdateInterval)
	defer update.Stop()

	reader := protocol.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if _, err := client.writer.WriteMessage(protocol.Heartbeat{}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
			continue
		case <-update.C:
			h.Update(client, time.Now())
			continue
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		_, msg, err := reader.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			var protoErr *protocol.ProtocolError
			if errors.As(err, &protoErr) {
				_ = client.ReportError("protocol fault", protoErr.Error())
				continue
			}
			return fmt.Errorf("channel closed: %w", err)
		}

		switch m := msg.(type) {
		case protocol.ButtonPressed:
			h.OnButtonPressed(client)
		case protocol.ButtonReleased:
			h.OnButtonReleased(client)
		case protocol.ButtonVisible:
			h.OnButtonVisible(client, m.Page, m.Button)
		case protocol.ButtonHidden:
			h.OnButtonHidden(client)
		case protocol.ConfigUpdate:
			client.config = m.Config
			if hook, ok := h.(ConfigUpdater); ok {
				hook.OnConfigUpdate(client, m.Config)
			}
		case protocol.Shutdown:
			if hook, ok := h.(ShutdownHook); ok {
				hook.OnShutdown(client)
			}
			return nil
		case protocol.ErrorMessage:
			if hook, ok := h.(ErrorHook); ok {
				hook.OnError(client, m.Message, m.Detail)
			}
		default:
			// ACKs and anything plugin-bound we do not act on.
		}
	}
}

// Run is the entry point for plugin main functions: it parses the channel
// address and serialized configuration from argv, per the host's invocation
// contract, and serves until shutdown.
func Run(h Handler, opts Options) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: %s <socket-path> <config-json>", os.Args[0])
	}
	var config map[string]any
	if err := json.Unmarshal([]byte(os.Args[2]), &config); err != nil {
		return fmt.Errorf("parse configuration argument: %w", err)
	}
	return Serve(context.Background(), os.Args[1], config, h, opts)
}
