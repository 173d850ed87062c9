package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"teampoints/core"
)

// ProcessReport mirrors the response of POST /events.
type ProcessReport struct {
	Action  string            `json:"action"`
	Applied []string          `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
	Events  int               `json:"events"`
}

// Group is a group with its members as returned by GET /groups/{id}.
type Group struct {
	core.Group
	Members []core.Person `json:"members"`
}

// Person is a person with the derived total.
type Person struct {
	core.Person
	TotalPoints int64 `json:"total_points"`
}

// CapStatus describes a group's accumulator for one capped rule.
type CapStatus struct {
	Group     core.GroupID `json:"group"`
	Rule      string       `json:"rule"`
	Points    int64        `json:"points"`
	MaxPoints int64        `json:"max_points"`
	LastReset time.Time    `json:"last_reset"`
}

// RankEntry is one leaderboard position.
type RankEntry struct {
	ID    string `json:"id"`
	Score int64  `json:"score"`
	Rank  int    `json:"rank"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// APIError is the error body returned by the server for non-2xx responses.
type APIError struct {
	StatusCode int             `json:"-"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyID is returned when a required id is empty.
var ErrEmptyID = errors.New("id is required")
