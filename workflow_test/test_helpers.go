package workflow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/pr"
	"github.com/boku-engineer/changeflow/internal/server"
	"github.com/boku-engineer/changeflow/internal/storage"
	wf "github.com/boku-engineer/changeflow/internal/workflow"
)

// env is one service instance backed by in-memory storage, exercised over
// real HTTP.
type env struct {
	t  *testing.T
	ts *httptest.Server
	st storage.Storage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := storage.NewInMemoryStorage()
	eng := wf.NewEngine(st, nil)
	ts := httptest.NewServer(server.New(eng, st, nil).Router())
	t.Cleanup(ts.Close)
	return &env{t: t, ts: ts, st: st}
}

// call sends a JSON request and decodes the response into out when non-nil.
func (e *env) call(method, path string, body, out any) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("encode request failed: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		e.t.Fatalf("new request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			e.t.Fatalf("decode response failed: %v", err)
		}
	}
	return resp.StatusCode
}

func (e *env) mustCall(method, path string, body, out any, want int) {
	e.t.Helper()
	if code := e.call(method, path, body, out); code != want {
		e.t.Fatalf("%s %s: status %d, want %d", method, path, code, want)
	}
}

func (e *env) startChange(feature string) *models.Change {
	e.t.Helper()
	var change models.Change
	e.mustCall(http.MethodPost, "/api/changes", map[string]string{
		"feature_name": feature,
		"author":       "dev",
	}, &change, http.StatusCreated)
	return &change
}

func (e *env) commit(changeID, hash string, kind models.CommitKind, localTestsPassed bool) *models.Change {
	e.t.Helper()
	var change models.Change
	e.mustCall(http.MethodPost, "/api/changes/"+changeID+"/commits", map[string]any{
		"commit_hash":        hash,
		"kind":               kind,
		"local_tests_passed": localTestsPassed,
	}, &change, http.StatusOK)
	return &change
}

func (e *env) push(changeID string) *models.Change {
	e.t.Helper()
	var change models.Change
	e.mustCall(http.MethodPost, "/api/changes/"+changeID+"/push", nil, &change, http.StatusOK)
	return &change
}

func (e *env) openPR(changeID, title string) *models.PullRequest {
	e.t.Helper()
	var pullRequest models.PullRequest
	e.mustCall(http.MethodPost, "/api/changes/"+changeID+"/pr", map[string]string{
		"title": title,
		"body":  structuredBody(),
	}, &pullRequest, http.StatusCreated)
	return &pullRequest
}

func (e *env) reportCheck(changeID, name string, status models.CIStatus) {
	e.t.Helper()
	e.mustCall(http.MethodPost, "/api/changes/"+changeID+"/checks", map[string]any{
		"name":   name,
		"status": status,
	}, nil, http.StatusOK)
}

func (e *env) evaluate(changeID string) *models.Change {
	e.t.Helper()
	var result struct {
		Change models.Change `json:"change"`
	}
	e.mustCall(http.MethodPost, "/api/changes/"+changeID+"/evaluate", nil, &result, http.StatusOK)
	return &result.Change
}

func (e *env) merge(changeID string) *models.Change {
	e.t.Helper()
	var change models.Change
	e.mustCall(http.MethodPost, "/api/changes/"+changeID+"/merge", nil, &change, http.StatusOK)
	return &change
}

func (e *env) inspect(changeID string) *wf.ChangeStatus {
	e.t.Helper()
	var status wf.ChangeStatus
	e.mustCall(http.MethodGet, "/api/changes/"+changeID, nil, &status, http.StatusOK)
	return &status
}

func structuredBody() string {
	return pr.Build(
		[]string{"Retry failed logins with capped backoff"},
		[]pr.ChecklistItem{
			{Text: "python manage.py test", Checked: true},
			{Text: "test job green on the branch"},
		},
	)
}
