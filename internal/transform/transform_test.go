package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/port-labs/port-agent/internal/domain"
	"github.com/port-labs/port-agent/internal/jq"
	"github.com/port-labs/port-agent/internal/mapping"
)

func event(t *testing.T, raw string) domain.Event {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return domain.Event(doc)
}

func newTransformer(mappings []mapping.Mapping) *Transformer {
	return New(mapping.NewStore(mappings), jq.New(), "secret")
}

func strptr(s string) *string { return &s }

func TestFindMappingFirstEnabledWins(t *testing.T) {
	tr := newTransformer([]mapping.Mapping{
		{Enabled: `.payload.action.identifier == "deploy"`, URL: strptr(`"http://deploy"`)},
		{Enabled: true, URL: strptr(`"http://fallback"`)},
		{Enabled: true, URL: strptr(`"http://never"`)},
	})

	ev := event(t, `{"payload": {"action": {"identifier": "deploy"}}}`)
	m := tr.FindMapping(ev)
	require.NotNil(t, m)
	assert.Equal(t, `"http://deploy"`, *m.URL)

	ev = event(t, `{"payload": {"action": {"identifier": "restart"}}}`)
	m = tr.FindMapping(ev)
	require.NotNil(t, m)
	assert.Equal(t, `"http://fallback"`, *m.URL)
}

func TestFindMappingNoneEnabled(t *testing.T) {
	tr := newTransformer([]mapping.Mapping{
		{Enabled: false},
		{Enabled: `.missing == "x"`},
	})
	assert.Nil(t, tr.FindMapping(event(t, `{"payload": {}}`)))
}

func TestFindMappingBadExpressionSkipped(t *testing.T) {
	tr := newTransformer([]mapping.Mapping{
		{Enabled: `.payload |`, URL: strptr(`"http://broken"`)},
		{Enabled: true, URL: strptr(`"http://good"`)},
	})
	m := tr.FindMapping(event(t, `{}`))
	require.NotNil(t, m)
	assert.Equal(t, `"http://good"`, *m.URL)
}

func TestBuildRequestDefaults(t *testing.T) {
	tr := newTransformer(nil)
	ev := event(t, `{"context": {"runId": "r_1"}}`)
	im := domain.InvocationMethod{Type: domain.InvocationTypeWebhook, URL: "http://target"}

	plan := tr.BuildRequest(nil, ev, im)
	assert.Equal(t, "POST", plan.Method)
	assert.Equal(t, "http://target", plan.URL)
	assert.Equal(t, map[string]any(ev), plan.Body)
	assert.Empty(t, plan.Headers)
	assert.Empty(t, plan.Query)
}

func TestBuildRequestMappingOverrides(t *testing.T) {
	tr := newTransformer(nil)
	ev := event(t, `{
		"context": {"runId": "r_1"},
		"payload": {"properties": {"env": "prod", "replicas": 3}}
	}`)
	im := domain.InvocationMethod{URL: "http://default", Method: "GET"}
	m := &mapping.Mapping{
		Method: strptr(`"PUT"`),
		URL:    strptr(`"http://example.com/" + .payload.properties.env`),
		Body: map[string]any{
			"runId": ".context.runId",
			"nested": map[string]any{
				"replicas": ".payload.properties.replicas",
				"static":   true,
			},
			"list": []any{".context.runId", "\"literal\""},
		},
		Headers: map[string]any{
			"X-Env":   ".payload.properties.env",
			"X-Count": ".payload.properties.replicas",
			"X-Nil":   ".absent",
		},
		Query: map[string]any{"run": ".context.runId"},
	}

	plan := tr.BuildRequest(m, ev, im)
	assert.Equal(t, "PUT", plan.Method)
	assert.Equal(t, "http://example.com/prod", plan.URL)

	body := plan.Body.(map[string]any)
	assert.Equal(t, "r_1", body["runId"])
	nested := body["nested"].(map[string]any)
	assert.EqualValues(t, 3, nested["replicas"])
	assert.Equal(t, true, nested["static"])
	assert.Equal(t, []any{"r_1", "literal"}, body["list"])

	assert.Equal(t, "prod", plan.Headers["X-Env"])
	assert.Equal(t, "3", plan.Headers["X-Count"])
	_, present := plan.Headers["X-Nil"]
	assert.False(t, present, "null header values are dropped")
	assert.Equal(t, map[string]string{"run": "r_1"}, plan.Query)
}

func TestBuildRequestBadExpressionYieldsNull(t *testing.T) {
	tr := newTransformer(nil)
	m := &mapping.Mapping{
		Body: map[string]any{"broken": ".payload |", "ok": ".context.runId"},
	}
	plan := tr.BuildRequest(m, event(t, `{"context": {"runId": "r_1"}}`), domain.InvocationMethod{})

	body := plan.Body.(map[string]any)
	assert.Nil(t, body["broken"])
	assert.Equal(t, "r_1", body["ok"])
}

func TestBuildReportDefaults(t *testing.T) {
	tr := newTransformer(nil)
	ev := event(t, `{}`)

	t.Run("failure", func(t *testing.T) {
		resp := ResponseView{OK: false, StatusCode: 500, Text: "boom"}
		plan := tr.BuildReport(nil, resp, RequestPlan{}, ev, domain.InvocationMethod{})
		assert.Equal(t, StatusFailure, plan.Status)
		assert.Equal(t, "Failed to invoke the webhook with status code: 500. Response: boom.", plan.Summary)
	})

	t.Run("synchronized success", func(t *testing.T) {
		resp := ResponseView{OK: true, StatusCode: 200}
		plan := tr.BuildReport(nil, resp, RequestPlan{}, ev, domain.InvocationMethod{Synchronized: true})
		assert.Equal(t, StatusSuccess, plan.Status)
		assert.Nil(t, plan.Summary)
	})

	t.Run("asynchronous success reports nothing", func(t *testing.T) {
		resp := ResponseView{OK: true, StatusCode: 202}
		plan := tr.BuildReport(nil, resp, RequestPlan{}, ev, domain.InvocationMethod{})
		assert.Empty(t, plan.Patch())
	})
}

func TestBuildReportTemplateOverlay(t *testing.T) {
	tr := newTransformer(nil)
	ev := event(t, `{"context": {"runId": "r_1"}}`)
	req := RequestPlan{
		Method:  "POST",
		URL:     "http://target",
		Body:    map[string]any{"x": 1},
		Headers: map[string]string{"X-Env": "prod"},
		Query:   map[string]string{},
	}
	resp := ResponseView{
		OK:         true,
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Text:       `{"id": "job-7", "link": "http://ci/job-7"}`,
		JSON:       map[string]any{"id": "job-7", "link": "http://ci/job-7"},
	}
	m := &mapping.Mapping{Report: &mapping.Report{
		Status:        `if .response.statusCode == 200 then "SUCCESS" else "FAILURE" end`,
		Link:          ".response.json.link",
		Summary:       `"invoked " + .request.url`,
		ExternalRunID: ".response.json.id",
	}}

	plan := tr.BuildReport(m, resp, req, ev, domain.InvocationMethod{Synchronized: true})
	assert.Equal(t, "SUCCESS", plan.Status)
	assert.Equal(t, "http://ci/job-7", plan.Link)
	assert.Equal(t, "invoked http://target", plan.Summary)
	assert.Equal(t, "job-7", plan.ExternalRunID)

	patch := plan.Patch()
	assert.Equal(t, map[string]any{
		"status":        "SUCCESS",
		"link":          "http://ci/job-7",
		"summary":       "invoked http://target",
		"externalRunId": "job-7",
	}, patch)
}

func TestBuildReportTemplateOverridesFailureDefault(t *testing.T) {
	tr := newTransformer(nil)
	m := &mapping.Mapping{Report: &mapping.Report{Summary: `"custom failure text"`}}
	resp := ResponseView{OK: false, StatusCode: 503, Text: "unavailable"}

	plan := tr.BuildReport(m, resp, RequestPlan{}, event(t, `{}`), domain.InvocationMethod{})
	assert.Equal(t, StatusFailure, plan.Status)
	assert.Equal(t, "custom failure text", plan.Summary)
}

func TestReportPlanPatchOmitsNils(t *testing.T) {
	plan := ReportPlan{Status: "SUCCESS"}
	assert.Equal(t, map[string]any{"status": "SUCCESS"}, plan.Patch())
	assert.Empty(t, ReportPlan{}.Patch())
}

func TestDecryptDoesNotMutateOriginal(t *testing.T) {
	tr := newTransformer(nil)
	ev := event(t, `{"payload": {"properties": {"token": "not-really-encrypted"}}}`)
	m := &mapping.Mapping{FieldsToDecryptPaths: []string{"payload.properties.token"}}

	out := tr.Decrypt(ev, m)
	require.NotNil(t, out)
	orig := ev["payload"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "not-really-encrypted", orig["token"])
}

func TestDecryptNoPathsReturnsSameEvent(t *testing.T) {
	tr := newTransformer(nil)
	ev := event(t, `{"a": 1}`)
	assert.Equal(t, ev, tr.Decrypt(ev, nil))
	assert.Equal(t, ev, tr.Decrypt(ev, &mapping.Mapping{}))
}
