package mqtt

import "strings"

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "skyguard"

// Topics builds SkyGuard topic names under a prefix.
//
//	topics := mqtt.NewTopics("obs1/skyguard")
//	topics.SafetyState() // "obs1/skyguard/safety/state"
type Topics struct {
	prefix string
}

// NewTopics returns topic builders for prefix. Surrounding slashes are
// trimmed; an empty prefix means DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

func (t Topics) join(parts ...string) string {
	return t.Prefix() + "/" + strings.Join(parts, "/")
}

// SystemStatus carries online/offline status and the LWT.
func (t Topics) SystemStatus() string {
	return t.join("system", "status")
}

// SafetyState carries the latest safety reading.
func (t Topics) SafetyState() string {
	return t.join("safety", "state")
}

// SchedulerStatus carries the last control plane action.
func (t Topics) SchedulerStatus() string {
	return t.join("scheduler", "status")
}

// TransitionEvent carries one event per evaluation that acted.
func (t Topics) TransitionEvent() string {
	return t.join("events", "transition")
}

// CommandEvaluate requests an immediate evaluation.
func (t Topics) CommandEvaluate() string {
	return t.join("command", "evaluate")
}

// All matches every SkyGuard topic.
func (t Topics) All() string {
	return t.join("#")
}
