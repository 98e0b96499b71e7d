// Package transform turns an incoming event plus a mapping into a concrete
// request plan for the dispatcher and a report plan for the status patch.
//
// Field templates recurse structurally: object templates evaluate key-wise,
// array templates element-wise, strings run through jq against the event,
// and other scalars pass through unchanged. A failing expression yields
// null for that field only; transformation always completes.
package transform

import (
	"fmt"

	"github.com/port-labs/port-agent/internal/domain"
	"github.com/port-labs/port-agent/internal/jq"
	"github.com/port-labs/port-agent/internal/mapping"
	"github.com/port-labs/port-agent/internal/secrets"
)

// DefaultHTTPMethod is used when neither the mapping nor the invocation
// method specifies one.
const DefaultHTTPMethod = "POST"

// Run status values reported back to Port.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// RequestPlan is the fully-resolved outbound request.
type RequestPlan struct {
	Method  string
	URL     string
	Body    any
	Headers map[string]string
	Query   map[string]string
}

// Dict returns the plan as a JSON document, the shape exposed to report
// templates under the "request" key.
func (p RequestPlan) Dict() map[string]any {
	headers := make(map[string]any, len(p.Headers))
	for k, v := range p.Headers {
		headers[k] = v
	}
	query := make(map[string]any, len(p.Query))
	for k, v := range p.Query {
		query[k] = v
	}
	return map[string]any{
		"method":  p.Method,
		"url":     p.URL,
		"body":    p.Body,
		"headers": headers,
		"query":   query,
	}
}

// ReportPlan is the status patch for the run. Nil fields are omitted from
// the wire payload.
type ReportPlan struct {
	Status        any
	Link          any
	Summary       any
	ExternalRunID any
}

// Patch returns the compact wire payload with nil fields omitted and the
// externalRunId alias applied. An empty map means nothing to report.
func (p ReportPlan) Patch() map[string]any {
	patch := make(map[string]any)
	if p.Status != nil {
		patch["status"] = p.Status
	}
	if p.Link != nil {
		patch["link"] = p.Link
	}
	if p.Summary != nil {
		patch["summary"] = p.Summary
	}
	if p.ExternalRunID != nil {
		patch["externalRunId"] = p.ExternalRunID
	}
	return patch
}

// ResponseView is the dispatcher's captured response, exposed to report
// templates under the "response" key.
type ResponseView struct {
	OK         bool
	StatusCode int
	Headers    map[string]string
	Text       string
	JSON       any
}

// Dict returns the response as a JSON document: {statusCode, headers, text,
// json}, with json null when the body did not parse.
func (v ResponseView) Dict() map[string]any {
	headers := make(map[string]any, len(v.Headers))
	for k, val := range v.Headers {
		headers[k] = val
	}
	return map[string]any{
		"statusCode": v.StatusCode,
		"headers":    headers,
		"text":       v.Text,
		"json":       v.JSON,
	}
}

// Transformer selects mappings and builds request/report plans.
type Transformer struct {
	store  *mapping.Store
	eval   *jq.Evaluator
	secret string
}

// New creates a Transformer. secret is the client secret used as the
// AES-GCM key for encrypted fields.
func New(store *mapping.Store, eval *jq.Evaluator, secret string) *Transformer {
	return &Transformer{store: store, eval: eval, secret: secret}
}

// FindMapping returns the first mapping enabled for the event, or nil.
// A mapping is enabled when its predicate is the literal true or a jq
// expression that evaluates to boolean true.
func (t *Transformer) FindMapping(event domain.Event) *mapping.Mapping {
	for i := range t.store.Mappings() {
		m := &t.store.Mappings()[i]
		if lit, ok := m.EnabledLiteral(); ok {
			if lit {
				return m
			}
			continue
		}
		if expr, ok := m.EnabledExpression(); ok && t.eval.BoolValue(expr, map[string]any(event)) {
			return m
		}
	}
	return nil
}

// Decrypt returns a deep copy of the event with the mapping's encrypted
// fields decrypted in place. The input event is never mutated. A nil
// mapping or an empty path list returns the event unchanged.
func (t *Transformer) Decrypt(event domain.Event, m *mapping.Mapping) domain.Event {
	if m == nil || len(m.FieldsToDecryptPaths) == 0 {
		return event
	}
	clone := event.Clone()
	secrets.DecryptFields(clone, m.FieldsToDecryptPaths, t.secret)
	return clone
}

// BuildRequest resolves the request plan for the event. Defaults come from
// the invocation method (method, url) and the event itself (body); mapping
// fields override them after evaluation.
func (t *Transformer) BuildRequest(m *mapping.Mapping, event domain.Event, im domain.InvocationMethod) RequestPlan {
	plan := RequestPlan{
		Method:  im.Method,
		URL:     im.URL,
		Body:    map[string]any(event),
		Headers: map[string]string{},
		Query:   map[string]string{},
	}
	if plan.Method == "" {
		plan.Method = DefaultHTTPMethod
	}

	if m == nil {
		return plan
	}

	doc := map[string]any(event)
	if m.Method != nil {
		if s, ok := t.applyField(*m.Method, doc).(string); ok && s != "" {
			plan.Method = s
		}
	}
	if m.URL != nil {
		if s, ok := t.applyField(*m.URL, doc).(string); ok && s != "" {
			plan.URL = s
		}
	}
	if m.Body != nil {
		plan.Body = t.applyField(m.Body, doc)
	}
	if m.Headers != nil {
		plan.Headers = stringMap(t.applyField(m.Headers, doc))
	}
	if m.Query != nil {
		plan.Query = stringMap(t.applyField(m.Query, doc))
	}
	return plan
}

// BuildReport resolves the status patch. Defaults depend on the response:
// a failed dispatch reports FAILURE with a summary; a successful dispatch
// reports SUCCESS only for synchronized invocations (asynchronous targets
// own their terminal status). A report template, when present, is evaluated
// against {body, request, response} and overlays the defaults.
func (t *Transformer) BuildReport(m *mapping.Mapping, resp ResponseView, req RequestPlan, event domain.Event, im domain.InvocationMethod) ReportPlan {
	var plan ReportPlan
	switch {
	case !resp.OK:
		plan.Status = StatusFailure
		plan.Summary = fmt.Sprintf(
			"Failed to invoke the webhook with status code: %d. Response: %s.",
			resp.StatusCode, resp.Text,
		)
	case im.Synchronized:
		plan.Status = StatusSuccess
	}

	if m == nil || m.Report == nil {
		return plan
	}

	doc := map[string]any{
		"body":     map[string]any(event),
		"request":  req.Dict(),
		"response": resp.Dict(),
	}
	if m.Report.Status != nil {
		plan.Status = t.applyField(m.Report.Status, doc)
	}
	if m.Report.Link != nil {
		plan.Link = t.applyField(m.Report.Link, doc)
	}
	if m.Report.Summary != nil {
		plan.Summary = t.applyField(m.Report.Summary, doc)
	}
	if m.Report.ExternalRunID != nil {
		plan.ExternalRunID = t.applyField(m.Report.ExternalRunID, doc)
	}
	return plan
}

// applyField evaluates one template node against doc.
func (t *Transformer) applyField(tmpl any, doc any) any {
	switch node := tmpl.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[k] = t.applyField(v, doc)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, v := range node {
			out[i] = t.applyField(v, doc)
		}
		return out
	case string:
		result, _ := t.eval.First(node, doc)
		return result
	default:
		return node
	}
}

// stringMap coerces an evaluated headers/query template into string pairs.
// Non-string scalar values are stringified; nested values are dropped.
func stringMap(v any) map[string]string {
	out := map[string]string{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		switch s := val.(type) {
		case nil:
			continue
		case string:
			out[k] = s
		case map[string]any, []any:
			continue
		default:
			out[k] = fmt.Sprintf("%v", s)
		}
	}
	return out
}
