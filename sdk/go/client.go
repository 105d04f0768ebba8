package fieldgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldgate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Assessment represents the API risk assessment model (partial).
type Assessment struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	OverallRiskScore float64 `json:"overall_risk_score"`
	OverallRiskLevel string  `json:"overall_risk_level"`
	Version          int64   `json:"version"`
}

// Session represents an LMRA session (partial).
type Session struct {
	ID                string   `json:"id"`
	TRAID             string   `json:"tra_id"`
	ProjectID         string   `json:"project_id"`
	PerformedBy       string   `json:"performed_by"`
	OverallAssessment string   `json:"overall_assessment"`
	SyncStatus        string   `json:"sync_status"`
	CanComplete       bool     `json:"can_complete"`
	MissingCategories []string `json:"missing_categories"`
	CompletedAt       *string  `json:"completed_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	Payload    string `json:"payload_json"`
}

// CheckItem is one answered checklist item.
type CheckItem struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Note   string `json:"note,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAssessment creates a TRA draft.
func (c *Client) CreateAssessment(ctx context.Context, projectID, title string, steps any) (Assessment, error) {
	body := map[string]any{
		"project_id": projectID,
		"title":      title,
	}
	if steps != nil {
		body["steps"] = steps
	}
	var resp Assessment
	err := c.do(ctx, http.MethodPost, "v0/assessments", body, &resp)
	return resp, err
}

// Submit submits an assessment for approval.
func (c *Client) Submit(ctx context.Context, id string) (Assessment, error) {
	var resp Assessment
	endpoint := fmt.Sprintf("v0/assessments/%s/submit", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Decide approves or rejects the current workflow step.
func (c *Client) Decide(ctx context.Context, id, decision, comments string) (Assessment, error) {
	body := map[string]any{
		"decision": decision,
		"comments": comments,
	}
	var resp Assessment
	endpoint := fmt.Sprintf("v0/assessments/%s/decide", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartSession opens an LMRA session against an approved assessment.
func (c *Client) StartSession(ctx context.Context, traID, location string, teamMembers []string) (Session, error) {
	body := map[string]any{
		"tra_id":       traID,
		"location":     location,
		"team_members": teamMembers,
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v0/sessions", body, &resp)
	return resp, err
}

// UpdateSession replaces the provided checklist categories.
func (c *Client) UpdateSession(ctx context.Context, id string, environmental, personnel, equipment []CheckItem) (Session, error) {
	body := map[string]any{}
	if environmental != nil {
		body["environmental_checks"] = environmental
	}
	if personnel != nil {
		body["personnel_checks"] = personnel
	}
	if equipment != nil {
		body["equipment_checks"] = equipment
	}
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// CompleteSession finalizes a session with the overall assessment.
func (c *Client) CompleteSession(ctx context.Context, id, overallAssessment, comments string) (Session, error) {
	body := map[string]any{
		"overall_assessment": overallAssessment,
		"comments":           comments,
	}
	var resp Session
	endpoint := fmt.Sprintf("v0/sessions/%s/complete", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events, optionally after a cursor id.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
