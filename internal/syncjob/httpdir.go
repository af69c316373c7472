package syncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/blackshrub/faithtracker/internal/models"
)

// HTTPDirectory talks to the upstream member directory over its REST API.
type HTTPDirectory struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPDirectory(baseURL, apiKey string) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *HTTPDirectory) get(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("directory request: %w", err)
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("directory returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode directory response: %w", err)
	}
	return resp.StatusCode, nil
}

func (d *HTTPDirectory) FetchAll(ctx context.Context, tenantID string) ([]models.DirectoryRecord, error) {
	var out struct {
		Members []models.DirectoryRecord `json:"members"`
	}
	code, err := d.get(ctx, "/tenants/"+url.PathEscape(tenantID)+"/members", &out)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return nil, fmt.Errorf("directory has no tenant %s", tenantID)
	}
	return out.Members, nil
}

func (d *HTTPDirectory) Fetch(ctx context.Context, tenantID, externalRef string) (models.DirectoryRecord, bool, error) {
	var rec models.DirectoryRecord
	code, err := d.get(ctx, "/tenants/"+url.PathEscape(tenantID)+"/members/"+url.PathEscape(externalRef), &rec)
	if err != nil {
		return models.DirectoryRecord{}, false, err
	}
	if code == http.StatusNotFound {
		return models.DirectoryRecord{}, false, nil
	}
	return rec, true, nil
}
