// Package notify implements the optional Telegram diagnostic bridge: a
// one-way forwarder from the coordinator's notification and module-state
// subjects (agent.notif, agent.module.state) to a fixed set of allowed
// chat IDs. Grounded
// on the teacher's internal/channels/telegram.go, stripped of its
// chat-task routing and HITL approval machinery -- this system has no
// chat sessions to route into, only fleet events to surface.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/config"
)

// sender is the narrow subset of *tgbotapi.BotAPI the bridge needs,
// isolated so tests can exercise message formatting without a live bot
// connection.
type sender interface {
	Send(tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBridge forwards heartbeat "stopped" notifications and agent
// error reports to a configured set of Telegram chats. It never accepts
// inbound commands -- notification is one-way by design (§6 Non-goals:
// no chat/command surface).
type TelegramBridge struct {
	cfg    config.TelegramConfig
	logger *slog.Logger
	bot    sender
	self   string
}

// NewTelegramBridge constructs a bridge from cfg. Returns (nil, nil) when
// the bridge is disabled, so callers check for a nil bridge before
// calling Subscribe.
func NewTelegramBridge(cfg config.TelegramConfig, logger *slog.Logger) (*TelegramBridge, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bridge init: %w", err)
	}
	return &TelegramBridge{cfg: cfg, logger: logger, bot: bot, self: bot.Self.UserName}, nil
}

// Subscribe installs handlers for the notification and module-state
// subjects on bc; only FAILED/ERROR module states are forwarded. Both
// subjects carry a small JSON document; malformed payloads are
// logged and discarded rather than propagated (§7).
func (b *TelegramBridge) Subscribe(bc bus.Conn) error {
	if _, err := bc.Subscribe(bus.SubjectNotification, b.handleNotification); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectNotification, err)
	}
	if _, err := bc.Subscribe(bus.SubjectModuleState, b.handleModuleState); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectModuleState, err)
	}
	return nil
}

func (b *TelegramBridge) handleNotification(subject string, payload []byte) {
	var doc struct {
		Module string `json:"module"`
		Agent  struct {
			ID     string            `json:"id"`
			Errors map[string]string `json:"errors,omitempty"`
		} `json:"agent"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		b.logger.Warn("notify: malformed notification payload", "error", err)
		return
	}
	msg := fmt.Sprintf("\U0001F6D1 agent %s stopped", doc.Agent.ID)
	if len(doc.Agent.Errors) > 0 {
		var parts []string
		for probe, errMsg := range doc.Agent.Errors {
			parts = append(parts, fmt.Sprintf("%s: %s", probe, errMsg))
		}
		msg += "\n" + strings.Join(parts, "\n")
	}
	b.broadcast(msg)
}

func (b *TelegramBridge) handleModuleState(subject string, payload []byte) {
	var doc struct {
		AgentID      string `json:"agent_id"`
		ModuleName   string `json:"module_name"`
		State        string `json:"state"`
		ErrorMessage string `json:"error_message,omitempty"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		b.logger.Warn("notify: malformed module state payload", "error", err)
		return
	}
	if doc.State != "FAILED" && doc.State != "ERROR" {
		return
	}
	msg := fmt.Sprintf("⚠️ %s/%s failed", doc.AgentID, doc.ModuleName)
	if doc.ErrorMessage != "" {
		msg += ": " + doc.ErrorMessage
	}
	b.broadcast(msg)
}

func (b *TelegramBridge) broadcast(text string) {
	for _, chatID := range b.cfg.AllowedIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := b.bot.Send(msg); err != nil {
			b.logger.Error("notify: failed to send telegram message", "chat_id", chatID, "error", err)
		}
	}
}

// Self returns the bound bot's username, for startup diagnostics.
func (b *TelegramBridge) Self() string {
	return b.self
}
