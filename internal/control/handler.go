package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jack-braga/kitchen-sync/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Selection picks one item of a pending scan
type Selection struct {
	Index    int `json:"index"`
	Quantity int `json:"quantity"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus func() map[string]interface{}
	OnShutdown  func() error
	// Scan commands
	OnScan        func(ctx context.Context) (map[string]interface{}, error)
	OnConfirmScan func(ctx context.Context, scanID string, selections []Selection) (int, error)
	OnDismissScan func() error
	// Camera commands
	OnSwitchCamera func(ctx context.Context) error
	OnRetryCamera  func(ctx context.Context) error
	// Settings commands
	OnSetScanMode  func(mode string) error
	OnSetThreshold func(threshold float64) error
	OnAddLabel     func(label string) bool
	OnRemoveLabel  func(label string) bool
	OnSetAutoAdd   func(enabled bool)
	// Model commands
	OnUnloadModel func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       config.MQTTConfig
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
	timeout   time.Duration
}

// NewHandler creates a new control plane handler
func NewHandler(cfg config.MQTTConfig, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		timeout:   30 * time.Second,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	qos := h.cfg.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	slog.Info("control: handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes. Commands already queued are dropped when the context
// passed to Start is cancelled.
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			resp := h.handleCommand(cctx, cmd)
			cancel()
			h.sendResponse(resp)
		}
	}
}

// handleCommand executes a command
func (h *Handler) handleCommand(ctx context.Context, cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}
	cb := h.callbacks

	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = cb.OnGetStatus()

	case "scan":
		if cb.OnScan == nil {
			return notImplemented(resp)
		}
		data, err := cb.OnScan(ctx)
		if err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = data

	case "confirm_scan":
		if cb.OnConfirmScan == nil {
			return notImplemented(resp)
		}
		scanID, _ := cmd.Params["scan_id"].(string) // empty confirms whatever is pending
		selections, err := parseSelections(cmd.Params["selections"])
		if err != nil {
			return failed(resp, err)
		}
		n, err := cb.OnConfirmScan(ctx, scanID, selections)
		if err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"added":   n,
			"message": fmt.Sprintf("added %d item(s) to pantry", n),
		}

	case "dismiss_scan":
		if cb.OnDismissScan == nil {
			return notImplemented(resp)
		}
		if err := cb.OnDismissScan(); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"

	case "switch_camera":
		if cb.OnSwitchCamera == nil {
			return notImplemented(resp)
		}
		if err := cb.OnSwitchCamera(ctx); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"

	case "retry_camera":
		if cb.OnRetryCamera == nil {
			return notImplemented(resp)
		}
		if err := cb.OnRetryCamera(ctx); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"

	case "set_scan_mode":
		if cb.OnSetScanMode == nil {
			return notImplemented(resp)
		}
		mode, ok := cmd.Params["mode"].(string)
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'mode' parameter (expected string: quick/deep)"
			return resp
		}
		if err := cb.OnSetScanMode(mode); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"mode": mode}

	case "set_threshold":
		if cb.OnSetThreshold == nil {
			return notImplemented(resp)
		}
		threshold, ok := cmd.Params["threshold"].(float64)
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'threshold' parameter (expected float)"
			return resp
		}
		if err := cb.OnSetThreshold(threshold); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"threshold": threshold}

	case "add_label", "remove_label":
		fn := cb.OnAddLabel
		if cmd.Command == "remove_label" {
			fn = cb.OnRemoveLabel
		}
		if fn == nil {
			return notImplemented(resp)
		}
		label, ok := cmd.Params["label"].(string)
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'label' parameter (expected string)"
			return resp
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"label": label, "changed": fn(label)}

	case "set_auto_add":
		if cb.OnSetAutoAdd == nil {
			return notImplemented(resp)
		}
		enabled, ok := cmd.Params["enabled"].(bool)
		if !ok {
			resp.Status = "error"
			resp.Error = "missing or invalid 'enabled' parameter (expected bool)"
			return resp
		}
		cb.OnSetAutoAdd(enabled)
		resp.Status = "success"
		resp.Data = map[string]interface{}{"auto_add_to_pantry": enabled}

	case "unload_model":
		if cb.OnUnloadModel == nil {
			return notImplemented(resp)
		}
		if err := cb.OnUnloadModel(); err != nil {
			return failed(resp, err)
		}
		resp.Status = "success"

	case "shutdown":
		if cb.OnShutdown == nil {
			return notImplemented(resp)
		}
		slog.Warn("control: shutdown command received")
		go func() {
			time.Sleep(500 * time.Millisecond) // let the response go out first
			if err := cb.OnShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

// sendResponse sends a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.cfg.Topics.Health, h.cfg.QoS["health"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

func notImplemented(resp Response) Response {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
	return resp
}

func failed(resp Response, err error) Response {
	resp.Status = "error"
	resp.Error = err.Error()
	return resp
}

// parseSelections reads [{"index": 0, "quantity": 2}, ...]. A missing value
// means the default selection.
func parseSelections(raw interface{}) ([]Selection, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid 'selections' parameter (expected array of objects with index, quantity)")
	}
	out := make([]Selection, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("selections[%d] is not an object", i)
		}
		idx, ok := m["index"].(float64)
		if !ok {
			return nil, fmt.Errorf("selections[%d]: missing 'index'", i)
		}
		qty, _ := m["quantity"].(float64)
		out = append(out, Selection{Index: int(idx), Quantity: int(qty)})
	}
	return out, nil
}
