package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/fleetward/coordinator/internal/bus/bustest"
	"github.com/fleetward/coordinator/internal/config"
	"github.com/fleetward/coordinator/internal/heartbeat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.Chattable
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, msg.Text)
		}
	}
	return out
}

func newTestBridge(chatIDs ...int64) (*TelegramBridge, *fakeSender) {
	fake := &fakeSender{}
	b := &TelegramBridge{
		cfg:    config.TelegramConfig{Enabled: true, AllowedIDs: chatIDs},
		bot:    fake,
		logger: discardLogger(),
	}
	return b, fake
}

func TestNewTelegramBridgeDisabledReturnsNil(t *testing.T) {
	bridge, err := NewTelegramBridge(config.TelegramConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("expected no error for a disabled bridge, got %v", err)
	}
	if bridge != nil {
		t.Fatalf("expected a nil bridge when disabled")
	}
}

func TestHandleNotificationBroadcastsToAllAllowedChats(t *testing.T) {
	b, fake := newTestBridge(1, 2)

	b.handleNotification("agent.notif", []byte(`{"agent":{"id":"a1","errors":{"net":"timeout"}}}`))

	texts := fake.texts()
	if len(texts) != 2 {
		t.Fatalf("expected 2 sent messages (1 per allowed chat), got %d", len(texts))
	}
	if !strings.Contains(texts[0], "a1") || !strings.Contains(texts[0], "net: timeout") {
		t.Fatalf("expected message to mention agent id and probe error, got %q", texts[0])
	}
}

func TestHandleNotificationDiscardsMalformedPayload(t *testing.T) {
	b, fake := newTestBridge(1)

	b.handleNotification("agent.notif", []byte(`not json`))

	if len(fake.texts()) != 0 {
		t.Fatalf("expected no messages sent for a malformed payload")
	}
}

func TestHandleModuleStateOnlyForwardsFailures(t *testing.T) {
	b, fake := newTestBridge(1)

	b.handleModuleState("agent.module.state", []byte(`{"agent_id":"a1","module_name":"echo","state":"RUNNING"}`))
	if len(fake.texts()) != 0 {
		t.Fatalf("expected RUNNING state to produce no notification")
	}

	b.handleModuleState("agent.module.state", []byte(`{"agent_id":"a1","module_name":"echo","state":"FAILED","error_message":"boom"}`))
	texts := fake.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "boom") {
		t.Fatalf("expected a FAILED state to forward the error message, got %v", texts)
	}
}

// TestHandleNotificationRoundTripsEmitterStoppedPayload drives a real
// heartbeat.Emitter's cancellation-triggered "stopped" notification
// through the bridge, catching any future drift between the two
// packages' shared bus.SubjectNotification wire shape.
func TestHandleNotificationRoundTripsEmitterStoppedPayload(t *testing.T) {
	b, fake := newTestBridge(1)
	fakeBus := bustest.New()
	if err := b.Subscribe(fakeBus); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	e := heartbeat.New(heartbeat.Config{
		AgentID:  "a1",
		Bus:      fakeBus,
		Interval: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx)

	texts := fake.texts()
	if len(texts) != 1 {
		t.Fatalf("expected 1 message forwarded from the emitter's stopped notification, got %d: %v", len(texts), texts)
	}
	if !strings.Contains(texts[0], "a1") {
		t.Fatalf("expected the forwarded message to carry the agent id, got %q", texts[0])
	}
}

func TestSubscribeInstallsBothHandlers(t *testing.T) {
	b, _ := newTestBridge(1)
	fakeBus := bustest.New()

	if err := b.Subscribe(fakeBus); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if fakeBus.SubscriberCount("agent.notif") != 1 {
		t.Fatalf("expected one handler on agent.notif, got %d", fakeBus.SubscriberCount("agent.notif"))
	}
	if fakeBus.SubscriberCount("agent.module.state") != 1 {
		t.Fatalf("expected one handler on agent.module.state, got %d", fakeBus.SubscriberCount("agent.module.state"))
	}
	if fakeBus.SubscriberCount("agent.heartbeat_module") != 0 {
		t.Fatalf("bridge must not subscribe to heartbeats")
	}
}
