// Package heartbeat implements the agent-side periodic self-description
// emitter (§4.3): a dedicated goroutine that publishes a heartbeat
// document on a fixed interval, reflecting the module host's currently
// running worker set. Structure is grounded on the teacher's
// engine.HeartbeatManager ticker loop, generalized from a single
// markdown-file check into a self-sufficient wire document.
package heartbeat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"os/user"
	"runtime"
	"time"

	"github.com/fleetward/coordinator/internal/bus"
	"github.com/fleetward/coordinator/internal/schema"
	"github.com/fleetward/coordinator/internal/shared"
)

// DefaultInterval is the emission period used when Config.Interval is
// unset (§4.3: "default 2-5 s").
const DefaultInterval = 3 * time.Second

// ModuleSource reports the currently running module set, implemented by
// *wasmhost.Host. A narrow interface here avoids an import cycle
// between heartbeat and wasmhost.
type ModuleSource interface {
	RunningModules() []schema.ModuleDescriptor
}

// Config controls one Emitter instance.
type Config struct {
	AgentID   string
	AgentName string
	Bus       bus.Conn
	Modules   ModuleSource
	Interval  time.Duration
	Logger    *slog.Logger
	Tags      map[string]string
}

// Emitter runs the heartbeat loop until its context is cancelled.
type Emitter struct {
	cfg    Config
	logger *slog.Logger
}

// New builds an Emitter from cfg, applying the default interval when
// unset.
func New(cfg Config) *Emitter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Emitter{cfg: cfg, logger: cfg.Logger}
}

// Run blocks, publishing a heartbeat every Interval until ctx is
// cancelled, at which point it publishes one final "stopped"
// notification (§4.3: "runs until cancelled; on cancellation it
// publishes a single final stopped notification").
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.publishOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			e.publishStopped()
			return
		case <-ticker.C:
			e.publishOnce(ctx)
		}
	}
}

func (e *Emitter) publishOnce(ctx context.Context) {
	doc := e.build()
	payload, err := json.Marshal(doc)
	if err != nil {
		e.logger.Error("heartbeat: failed to encode document", "error", err)
		return
	}
	if e.cfg.Bus == nil {
		return
	}
	if err := e.cfg.Bus.Publish(bus.SubjectHeartbeat, payload); err != nil {
		e.logger.Warn("heartbeat: publish failed", "error", err)
	}
}

// stoppedNotification mirrors the nested shape notify.TelegramBridge
// expects on bus.SubjectNotification: a module tag plus an agent block
// carrying identity and any probe errors from the last heartbeat build.
type stoppedNotification struct {
	Module string `json:"module"`
	Agent  struct {
		ID     string            `json:"id"`
		Errors map[string]string `json:"errors,omitempty"`
	} `json:"agent"`
}

func (e *Emitter) publishStopped() {
	if e.cfg.Bus == nil {
		return
	}
	agent := e.build().Agent
	note := stoppedNotification{Module: "heartbeat emitter stopped"}
	note.Agent.ID = agent.ID
	note.Agent.Errors = agent.Errors

	b, err := json.Marshal(note)
	if err != nil {
		e.logger.Error("heartbeat: failed to encode stopped notification", "error", err)
		return
	}
	if err := e.cfg.Bus.Publish(bus.SubjectNotification, b); err != nil {
		e.logger.Warn("heartbeat: stopped notification publish failed", "error", err)
	}
}

// build assembles a fresh HeartbeatDocument. Every probe is defensive:
// a failure contributes an Errors entry rather than aborting the whole
// document (§4.3).
func (e *Emitter) build() schema.HeartbeatDocument {
	agent := schema.AgentBlock{
		ID:      e.cfg.AgentID,
		Name:    e.cfg.AgentName,
		PID:     os.Getpid(),
		Errors:  map[string]string{},
		Modules: e.modules(),
	}

	hostname, err := os.Hostname()
	if err != nil {
		agent.Errors["hostname"] = err.Error()
	}
	agent.Hostname = hostname

	if loc := time.Now().Location(); loc != nil {
		agent.Timezone = loc.String()
	}

	if u, err := user.Current(); err != nil {
		agent.Errors["user"] = err.Error()
	} else {
		agent.User = map[string]string{
			"username": u.Username,
			"uid":      u.Uid,
			"home":     u.HomeDir,
		}
	}

	agent.System = map[string]string{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		agent.Errors["network"] = err.Error()
	} else {
		agent.Interfaces = probeInterfaces(ifaces)
	}

	return schema.HeartbeatDocument{
		Module:    "agent.heartbeat_module",
		Timestamp: shared.NowUTC().Format(time.RFC3339),
		Tags:      e.cfg.Tags,
		Agent:     agent,
	}
}

func (e *Emitter) modules() []schema.ModuleDescriptor {
	if e.cfg.Modules == nil {
		return nil
	}
	return e.cfg.Modules.RunningModules()
}

func probeInterfaces(ifaces []net.Interface) []schema.NetworkInterface {
	out := make([]schema.NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		entry := schema.NetworkInterface{Name: iface.Name}
		if iface.HardwareAddr != nil {
			entry.MAC = []string{iface.HardwareAddr.String()}
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				entry.IPv4 = append(entry.IPv4, ip4.String())
			} else {
				entry.IPv6 = append(entry.IPv6, ipNet.IP.String())
			}
		}
		out = append(out, entry)
	}
	return out
}
