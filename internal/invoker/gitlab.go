package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/port-labs/port-agent/internal/domain"
)

// DefaultGitLabRef is used when neither the action inputs nor the
// invocation method name a ref.
const DefaultGitLabRef = "main"

// GitLab triggers pipelines through the GitLab trigger-token API.
// The trigger token for group/project is read from the environment variable
// <group>_<project-with-slashes-replaced-by-underscores>.
type GitLab struct {
	baseURL   string
	http      *http.Client
	lookupEnv func(string) string
}

// NewGitLab creates a GitLab pipeline invoker. lookupEnv resolves trigger
// tokens (os.Getenv in production).
func NewGitLab(baseURL string, timeout time.Duration, lookupEnv func(string) string) *GitLab {
	return &GitLab{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: timeout},
		lookupEnv: lookupEnv,
	}
}

// Invoke triggers one pipeline for the event. Missing project coordinates or
// a missing trigger token skip the event with an info log; only an actual
// trigger failure is an error.
func (g *GitLab) Invoke(ctx context.Context, event domain.Event, im domain.InvocationMethod) error {
	if im.GroupName == "" || im.ProjectName == "" {
		slog.Info("skipping event: GitLab project path is missing")
		return nil
	}

	properties := event.Properties()
	ref, _ := properties["ref"].(string)
	if ref == "" {
		ref = im.DefaultRef
	}
	if ref == "" {
		ref = DefaultGitLabRef
	}

	tokenVar := im.GroupName + "_" + strings.ReplaceAll(im.ProjectName, "/", "_")
	token := g.lookupEnv(tokenVar)
	if token == "" {
		slog.Info("skipping event: no trigger token env variable found",
			"group", im.GroupName, "project", im.ProjectName, "variable", tokenVar)
		return nil
	}

	body := map[string]any{
		"token": token,
		"ref":   ref,
	}
	if !im.OmitUserInputs {
		// GitLab pipeline variables must be strings.
		variables := make(map[string]string, len(properties))
		for k, v := range properties {
			if s, ok := v.(string); ok {
				variables[k] = s
			} else {
				variables[k] = fmt.Sprintf("%v", v)
			}
		}
		body["variables"] = variables
	}
	if !im.OmitPayload {
		body["port_payload"] = map[string]any(event)
	}

	projectPath := url.PathEscape(im.GroupName + "/" + im.ProjectName)
	triggerURL := g.baseURL + "/api/v4/projects/" + projectPath + "/trigger/pipeline"

	slog.Info("triggering GitLab pipeline", "project", im.GroupName+"/"+im.ProjectName, "ref", ref)

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode trigger body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, triggerURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	slog.Info("GitLab pipeline trigger finished", "statusCode", res.StatusCode)
	if res.StatusCode >= 400 {
		return fmt.Errorf("gitlab pipeline trigger failed with status %d: %s", res.StatusCode, string(text))
	}
	return nil
}
