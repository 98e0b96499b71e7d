// Package domain holds the data model shared across the agent: the raw event
// document received from a source and the invocation method descriptor that
// tells the agent where to deliver it.
package domain

import "encoding/json"

// TopicKind distinguishes the two event streams the agent consumes.
// Run events carry a runId and require status reporting back to Port;
// changelog events are dispatched fire-and-forget.
type TopicKind int

const (
	TopicRuns TopicKind = iota
	TopicChangelog
)

// Invocation method types the agent knows how to dispatch.
const (
	InvocationTypeWebhook = "WEBHOOK"
	InvocationTypeGitLab  = "GITLAB"
)

// Event is a raw JSON document received from a source adapter.
// Accessors tolerate missing or mistyped fields and return zero values,
// since the document shape is controlled by the Port control plane and
// user configuration, not by this process.
type Event map[string]any

// RunID returns context.runId, or "" for changelog events.
func (e Event) RunID() string {
	ctx, _ := e["context"].(map[string]any)
	id, _ := ctx["runId"].(string)
	return id
}

// ClaimID returns the run id of a claim document, accepting both the
// current "id" and the legacy "_id" field name.
func (e Event) ClaimID() string {
	if id, ok := e["id"].(string); ok && id != "" {
		return id
	}
	id, _ := e["_id"].(string)
	return id
}

// IsChangelog reports whether the event carries a changelog destination
// instead of an action-run invocation method.
func (e Event) IsChangelog() bool {
	_, ok := e["changelogDestination"]
	return ok
}

// InvocationMethodRaw returns the destination descriptor for the event:
// payload.action.invocationMethod for run events, changelogDestination for
// changelog events. Returns an empty map when absent.
func (e Event) InvocationMethodRaw(kind TopicKind) map[string]any {
	if kind == TopicChangelog {
		m, _ := e["changelogDestination"].(map[string]any)
		return m
	}
	payload, _ := e["payload"].(map[string]any)
	action, _ := payload["action"].(map[string]any)
	m, _ := action["invocationMethod"].(map[string]any)
	return m
}

// Properties returns the user-supplied action inputs (payload.properties).
func (e Event) Properties() map[string]any {
	payload, _ := e["payload"].(map[string]any)
	props, _ := payload["properties"].(map[string]any)
	return props
}

// Environment returns payload.environment, or "" when absent.
// Used for the AGENT_ENVIRONMENTS whitelist.
func (e Event) Environment() string {
	payload, _ := e["payload"].(map[string]any)
	env, _ := payload["environment"].(string)
	return env
}

// Clone returns a deep copy of the event via a JSON round trip.
// The transformer decrypts fields in place on a clone so that the
// caller's event is never mutated.
func (e Event) Clone() Event {
	raw, err := json.Marshal(e)
	if err != nil {
		// Events originate from json.Unmarshal, so this cannot fail
		// in practice; fall back to the original on the off chance.
		return e
	}
	var out Event
	if err := json.Unmarshal(raw, &out); err != nil {
		return e
	}
	return out
}

// InvocationMethod is the parsed destination descriptor attached to each
// event. agent=false means the run is handled by the control plane itself
// and must be skipped.
type InvocationMethod struct {
	Type         string
	Agent        bool
	URL          string
	Method       string
	Synchronized bool
	Headers      map[string]string

	// GitLab pipeline fields.
	GroupName      string
	ProjectName    string
	DefaultRef     string
	OmitPayload    bool
	OmitUserInputs bool
}

// ParseInvocationMethod builds an InvocationMethod from the raw descriptor
// map, tolerating missing fields.
func ParseInvocationMethod(raw map[string]any) InvocationMethod {
	im := InvocationMethod{
		Type:           stringField(raw, "type"),
		Agent:          boolField(raw, "agent"),
		URL:            stringField(raw, "url"),
		Method:         stringField(raw, "method"),
		Synchronized:   boolField(raw, "synchronized"),
		GroupName:      stringField(raw, "groupName"),
		ProjectName:    stringField(raw, "projectName"),
		DefaultRef:     stringField(raw, "defaultRef"),
		OmitPayload:    boolField(raw, "omitPayload"),
		OmitUserInputs: boolField(raw, "omitUserInputs"),
	}
	if headers, ok := raw["headers"].(map[string]any); ok {
		im.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				im.Headers[k] = s
			}
		}
	}
	return im
}

// Validate returns a human-readable skip reason, or "" when the event is
// for this agent and the invocation type is supported.
func (im InvocationMethod) Validate() string {
	if !im.Agent {
		return "not for agent"
	}
	switch im.Type {
	case InvocationTypeWebhook, InvocationTypeGitLab:
		return ""
	}
	return "invocation type not found / not supported"
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
