package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/boku-engineer/changeflow/internal/models"
	"github.com/boku-engineer/changeflow/internal/workflow"
)

// Client talks to the workflow service's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type apiError struct {
	Status int
	Msg    string
	Stage  string
}

func (e *apiError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (change stays at %s)", e.Msg, e.Stage)
	}
	return e.Msg
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Stage string `json:"stage"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
			errResp.Error = fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Msg: errResp.Error, Stage: errResp.Stage}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) CreateChange(ctx context.Context, featureName, author, baseCommit string) (*models.Change, error) {
	var change models.Change
	err := c.do(ctx, http.MethodPost, "/api/changes", map[string]string{
		"feature_name":     featureName,
		"author":           author,
		"base_commit_hash": baseCommit,
	}, &change)
	if err != nil {
		return nil, err
	}
	return &change, nil
}

func (c *Client) GetChange(ctx context.Context, changeID string) (*workflow.ChangeStatus, error) {
	var status workflow.ChangeStatus
	if err := c.do(ctx, http.MethodGet, "/api/changes/"+changeID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) ListChanges(ctx context.Context, stage string, limit int) ([]*models.Change, error) {
	query := url.Values{}
	if stage != "" {
		query.Set("stage", stage)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/changes"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var changes []*models.Change
	if err := c.do(ctx, http.MethodGet, path, nil, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func (c *Client) RecordCommit(ctx context.Context, changeID string, commit *models.ChangeCommit, localTestsPassed bool) (*models.Change, error) {
	var change models.Change
	err := c.do(ctx, http.MethodPost, "/api/changes/"+changeID+"/commits", map[string]any{
		"commit_hash":        commit.CommitHash,
		"parent_hash":        commit.ParentHash,
		"kind":               commit.Kind,
		"message":            commit.Message,
		"local_tests_passed": localTestsPassed,
	}, &change)
	if err != nil {
		return nil, err
	}
	return &change, nil
}

func (c *Client) RecordPush(ctx context.Context, changeID string) (*models.Change, error) {
	var change models.Change
	if err := c.do(ctx, http.MethodPost, "/api/changes/"+changeID+"/push", map[string]string{}, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

func (c *Client) OpenPullRequest(ctx context.Context, changeID, title, body string) (*models.PullRequest, error) {
	var pullRequest models.PullRequest
	err := c.do(ctx, http.MethodPost, "/api/changes/"+changeID+"/pr", map[string]string{
		"title": title,
		"body":  body,
	}, &pullRequest)
	if err != nil {
		return nil, err
	}
	return &pullRequest, nil
}

func (c *Client) ReportCheck(ctx context.Context, changeID, name string, status models.CIStatus, detailsURL string) (*models.Change, error) {
	var change models.Change
	err := c.do(ctx, http.MethodPost, "/api/changes/"+changeID+"/checks", map[string]any{
		"name":        name,
		"status":      status,
		"details_url": detailsURL,
	}, &change)
	if err != nil {
		return nil, err
	}
	return &change, nil
}

type evaluateResult struct {
	Change  *models.Change `json:"change"`
	Outcome struct {
		Status  models.CIStatus `json:"Status"`
		Missing []string        `json:"Missing"`
		Pending []string        `json:"Pending"`
		Failed  []string        `json:"Failed"`
	} `json:"outcome"`
}

func (c *Client) EvaluateChecks(ctx context.Context, changeID string) (*evaluateResult, error) {
	var result evaluateResult
	if err := c.do(ctx, http.MethodPost, "/api/changes/"+changeID+"/evaluate", map[string]string{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Merge(ctx context.Context, changeID string) (*models.Change, error) {
	var change models.Change
	if err := c.do(ctx, http.MethodPost, "/api/changes/"+changeID+"/merge", map[string]string{}, &change); err != nil {
		return nil, err
	}
	return &change, nil
}

func (c *Client) GetMainline(ctx context.Context) (*models.MainlineState, error) {
	var state models.MainlineState
	if err := c.do(ctx, http.MethodGet, "/api/mainline", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) GetProtection(ctx context.Context) (*models.BranchProtection, error) {
	var protection models.BranchProtection
	if err := c.do(ctx, http.MethodGet, "/api/protection", nil, &protection); err != nil {
		return nil, err
	}
	return &protection, nil
}

func (c *Client) PutProtection(ctx context.Context, protection *models.BranchProtection) error {
	return c.do(ctx, http.MethodPut, "/api/protection", protection, nil)
}
