package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrCollectionExists is reported by the creation collaborator when the
// target collection already exists. Rotation treats it as success so a
// crash-and-retry can adopt the collection it created earlier.
var ErrCollectionExists = errors.New("collection already exists")

// ErrReadinessTimeout is returned when a collection does not reach the
// active state within the bounded wait.
var ErrReadinessTimeout = errors.New("timed out waiting for collection to become active")

// CollectionAdmin is the external collection-creation collaborator. Sharding,
// replica placement and schema are its concern, not this coordinator's.
type CollectionAdmin interface {
	// CreateCollection creates a collection with the given parameters.
	CreateCollection(ctx context.Context, name string, params map[string]string) error
	// WaitForActive blocks until the collection reports fully active or the
	// timeout elapses.
	WaitForActive(ctx context.Context, name string, timeout time.Duration) error
}

// HTTPCollectionAdmin implements CollectionAdmin against the collection
// management service's HTTP API.
type HTTPCollectionAdmin struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewHTTPCollectionAdmin creates a new HTTP collection admin client
func NewHTTPCollectionAdmin(baseURL string, requestTimeout, pollInterval time.Duration, logger *zap.Logger) *HTTPCollectionAdmin {
	return &HTTPCollectionAdmin{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
		pollInterval: pollInterval,
		logger:       logger,
	}
}

type createCollectionRequest struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params"`
}

type collectionStatusResponse struct {
	Active bool `json:"active"`
}

// CreateCollection creates a collection via the management API
func (c *HTTPCollectionAdmin) CreateCollection(ctx context.Context, name string, params map[string]string) error {
	body, err := json.Marshal(createCollectionRequest{Name: name, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/collections", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create collection request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		c.logger.Info("Collection created",
			zap.String("collection", name))
		return nil
	case http.StatusConflict:
		return ErrCollectionExists
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("create collection %s failed: status %d: %s", name, resp.StatusCode, string(msg))
	}
}

// WaitForActive polls the collection status until it reports active
func (c *HTTPCollectionAdmin) WaitForActive(ctx context.Context, name string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		active, err := c.isActive(waitCtx, name)
		if err != nil {
			c.logger.Warn("Collection status check failed",
				zap.String("collection", name),
				zap.Error(err))
		} else if active {
			return nil
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("collection %s: %w", name, ErrReadinessTimeout)
		case <-ticker.C:
		}
	}
}

func (c *HTTPCollectionAdmin) isActive(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/collections/"+name+"/status", nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status check returned %d", resp.StatusCode)
	}

	var status collectionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, err
	}
	return status.Active, nil
}
