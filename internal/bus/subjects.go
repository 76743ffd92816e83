package bus

import "fmt"

// Well-known subjects (§4.3, §6).
const (
	SubjectHeartbeat    = "agent.heartbeat_module"
	SubjectModuleState  = "agent.module.state"
	SubjectNotification = "agent.notif"
	SubjectError        = "agent.error"
)

// AgentOutSubject is the catch-all subscription the coordinator opens for
// every agent in addition to each module's own output_subject (§4.5):
// `{agent.<id>.out}`.
func AgentOutSubject(agentID string) string {
	return fmt.Sprintf("agent.%s.out", agentID)
}

// ModuleIOSubjects returns the conventional per-module, per-agent subject
// triple used by the built-in modules and fixtures: `agent.<id>.<module>.in|out|error`.
// §9 Open Question 1 settles on per-module distinct subjects; the
// capability document is always authoritative, this helper is only a
// naming convention for modules that follow it.
func ModuleIOSubjects(agentID, module string) (in, out, errSubj string) {
	base := fmt.Sprintf("agent.%s.%s", agentID, module)
	return base + ".in", base + ".out", base + ".error"
}
