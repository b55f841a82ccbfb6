package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/angariumd/gridq/internal/models"
	"github.com/angariumd/gridq/internal/netutils"
)

// Admin queries the controller's HTTP admin API.
type Admin struct {
	baseURL string
	http    *http.Client
}

func NewAdmin(baseURL string, timeout time.Duration) *Admin {
	return &Admin{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    netutils.NewHTTPClient(timeout),
	}
}

func (a *Admin) Stats(ctx context.Context) (models.StatsResponse, error) {
	var out models.StatsResponse
	err := a.do(ctx, http.MethodGet, "/v1/stats", nil, &out)
	return out, err
}

func (a *Admin) Jobs(ctx context.Context) (models.JobsResponse, error) {
	var out models.JobsResponse
	err := a.do(ctx, http.MethodGet, "/v1/jobs", nil, &out)
	return out, err
}

func (a *Admin) Workers(ctx context.Context) ([]models.Worker, error) {
	var out []models.Worker
	err := a.do(ctx, http.MethodGet, "/v1/workers", nil, &out)
	return out, err
}

func (a *Admin) History(ctx context.Context, limit int) (models.HistoryResponse, error) {
	var out models.HistoryResponse
	err := a.do(ctx, http.MethodGet, "/v1/history", limitQuery(limit), &out)
	return out, err
}

func (a *Admin) Events(ctx context.Context, limit int) ([]models.Event, error) {
	var out []models.Event
	err := a.do(ctx, http.MethodGet, "/v1/events", limitQuery(limit), &out)
	return out, err
}

// Shutdown asks the controller to stop gracefully.
func (a *Admin) Shutdown(ctx context.Context) error {
	return a.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func (a *Admin) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := a.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s failed (%d): %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
