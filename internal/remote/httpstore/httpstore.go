// Package httpstore implements the remote store contract against the
// pairsync dev server's JSON protocol. Network failures map onto the
// shared error taxonomy so the engine's classification works unchanged.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pairsync/internal/remote"
)

// Client talks to one dev server on behalf of one device account.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Register obtains a bearer token for the account and returns a ready
// client.
func Register(ctx context.Context, baseURL, accountID string, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}

	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/devices", map[string]string{"account_id": accountID}, &resp)
	if err != nil {
		return nil, err
	}
	c.token = resp.Token
	return c, nil
}

// NewWithToken builds a client around an existing bearer token.
func NewWithToken(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.mapError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// mapError translates HTTP status codes back into taxonomy errors.
func (c *Client) mapError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusConflict:
		var payload struct {
			ServerRecord *remote.Record `json:"server_record"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.ServerRecord != nil {
			return &remote.ConflictError{Server: *payload.ServerRecord}
		}
		return remote.ErrConflict
	case http.StatusGone:
		return remote.ErrTokenExpired
	case http.StatusNotFound:
		return remote.ErrRecordNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return remote.ErrNotAuthenticated
	case http.StatusInsufficientStorage:
		return remote.ErrQuotaExceeded
	}

	var errResp struct {
		Error string `json:"error"`
	}
	detail := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		detail = errResp.Error
	}
	return &remote.ServerError{Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, detail)}
}

func zonePath(zone remote.Zone, suffix string) string {
	p := "/v1/zones/" + url.PathEscape(zone.Name) + suffix
	if zone.Scope != "" {
		p += "?scope=" + url.QueryEscape(string(zone.Scope))
	}
	return p
}

// RegisterPushToken uploads the device's push token so the server can
// wake this device when the partner writes.
func (c *Client) RegisterPushToken(ctx context.Context, deviceToken string) error {
	return c.do(ctx, http.MethodPost, "/v1/push-token", map[string]string{"device_token": deviceToken}, nil)
}

// AccountStatus reports whether the server account is reachable.
func (c *Client) AccountStatus(ctx context.Context) (remote.AccountStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/account", nil, &resp); err != nil {
		if errors.Is(err, remote.ErrNetworkUnavailable) {
			return remote.AccountUnavailable, nil
		}
		if errors.Is(err, remote.ErrNotAuthenticated) {
			return remote.AccountNeedsAuth, nil
		}
		return remote.AccountUnavailable, err
	}
	return remote.AccountStatus(resp.Status), nil
}

// AccountIdentity returns the opaque account name.
func (c *Client) AccountIdentity(ctx context.Context) (string, error) {
	var resp struct {
		Identity string `json:"identity"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/account", nil, &resp); err != nil {
		return "", err
	}
	return resp.Identity, nil
}

// ListZones enumerates zones in a scope.
func (c *Client) ListZones(ctx context.Context, scope remote.Scope) ([]remote.Zone, error) {
	var zones []remote.Zone
	path := "/v1/zones?scope=" + url.QueryEscape(string(scope))
	if err := c.do(ctx, http.MethodGet, path, nil, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// CreateZone allocates a private zone.
func (c *Client) CreateZone(ctx context.Context, name string) (remote.Zone, error) {
	var zone remote.Zone
	err := c.do(ctx, http.MethodPost, "/v1/zones", map[string]string{"name": name}, &zone)
	return zone, err
}

// CreateShare publishes a sharing grant for a zone.
func (c *Client) CreateShare(ctx context.Context, zone remote.Zone, title string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodPost, zonePath(zone, "/share"), map[string]string{"title": title}, &resp)
	return resp.URL, err
}

// ResolveShare maps a grant URL to its metadata.
func (c *Client) ResolveShare(ctx context.Context, shareURL string) (remote.ShareMetadata, error) {
	var meta remote.ShareMetadata
	path := "/v1/shares/resolve?url=" + url.QueryEscape(shareURL)
	err := c.do(ctx, http.MethodGet, path, nil, &meta)
	if errors.Is(err, remote.ErrRecordNotFound) {
		return meta, remote.ErrShareNotFound
	}
	return meta, err
}

// AcceptShare binds this account to the shared zone.
func (c *Client) AcceptShare(ctx context.Context, meta remote.ShareMetadata) error {
	err := c.do(ctx, http.MethodPost, "/v1/shares/accept", meta, nil)
	if errors.Is(err, remote.ErrRecordNotFound) {
		return remote.ErrShareNotFound
	}
	return err
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, zone remote.Zone, id string) (remote.Record, error) {
	var rec remote.Record
	err := c.do(ctx, http.MethodGet, zonePath(zone, "/records/"+url.PathEscape(id)), nil, &rec)
	return rec, err
}

// Save writes one record under the given policy.
func (c *Client) Save(ctx context.Context, zone remote.Zone, rec remote.Record, policy remote.SavePolicy) (remote.Record, error) {
	body := struct {
		Record remote.Record     `json:"record"`
		Policy remote.SavePolicy `json:"policy"`
	}{Record: rec, Policy: policy}

	var stored remote.Record
	err := c.do(ctx, http.MethodPut, zonePath(zone, "/records/"+url.PathEscape(rec.ID)), body, &stored)
	return stored, err
}

// Delete removes one record.
func (c *Client) Delete(ctx context.Context, zone remote.Zone, id string) error {
	return c.do(ctx, http.MethodDelete, zonePath(zone, "/records/"+url.PathEscape(id)), nil, nil)
}

// Query scans records of one type.
func (c *Client) Query(ctx context.Context, zone remote.Zone, q remote.Query) ([]remote.Record, error) {
	var records []remote.Record
	if err := c.do(ctx, http.MethodPost, zonePath(zone, "/query"), q, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Changes fetches one page of the change feed.
func (c *Client) Changes(ctx context.Context, zone remote.Zone, sinceToken string) (remote.ChangeSet, error) {
	var set remote.ChangeSet
	path := "/v1/zones/" + url.PathEscape(zone.Name) + "/changes?since=" + url.QueryEscape(sinceToken)
	err := c.do(ctx, http.MethodGet, path, nil, &set)
	return set, err
}

// UploadAsset stores asset bytes. With an S3-backed server the bytes go
// straight to the pre-signed URL; otherwise they travel inline.
func (c *Client) UploadAsset(ctx context.Context, zone remote.Zone, id string, data []byte) (string, error) {
	path := "/v1/assets/" + url.PathEscape(zone.Name) + "/" + url.PathEscape(id)

	probe, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	probe.Header.Set("Authorization", "Bearer "+c.token)
	probe.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(probe)
	if err != nil {
		return "", fmt.Errorf("%w: %v", remote.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", c.mapError(resp)
	}

	var upload struct {
		UploadURL string `json:"upload_url"`
		Ref       string `json:"ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return "", err
	}
	if upload.UploadURL == "" {
		return upload.Ref, nil
	}

	// Pre-signed mode: PUT the bytes to object storage directly.
	put, err := http.NewRequestWithContext(ctx, http.MethodPut, upload.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	put.Header.Set("Content-Type", "image/jpeg")
	putResp, err := c.httpClient.Do(put)
	if err != nil {
		return "", fmt.Errorf("%w: %v", remote.ErrNetworkUnavailable, err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode >= 400 {
		return "", &remote.ServerError{Detail: fmt.Sprintf("asset upload status %d", putResp.StatusCode)}
	}
	return upload.Ref, nil
}

// FetchAsset resolves an asset reference back to bytes.
func (c *Client) FetchAsset(ctx context.Context, zone remote.Zone, ref string) ([]byte, error) {
	id := strings.TrimPrefix(ref, "asset:")
	path := "/v1/assets/" + url.PathEscape(zone.Name) + "/" + url.PathEscape(id) + "?ref=" + url.QueryEscape(ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, c.mapError(resp)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var download struct {
			DownloadURL string `json:"download_url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&download); err != nil {
			return nil, err
		}
		get, err := http.NewRequestWithContext(ctx, http.MethodGet, download.DownloadURL, nil)
		if err != nil {
			return nil, err
		}
		getResp, err := c.httpClient.Do(get)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrNetworkUnavailable, err)
		}
		defer getResp.Body.Close()
		if getResp.StatusCode >= 400 {
			return nil, &remote.ServerError{Detail: fmt.Sprintf("asset fetch status %d", getResp.StatusCode)}
		}
		return io.ReadAll(getResp.Body)
	}
	return io.ReadAll(resp.Body)
}

// Watch opens the push channel and forwards zone change events. The
// returned channel closes when ctx is done or the connection drops.
func (c *Client) Watch(ctx context.Context) (<-chan string, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/v1/ws?token=" + url.QueryEscape(c.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrNetworkUnavailable, err)
	}

	events := make(chan string, 8)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var msg struct {
				Type string `json:"type"`
				Zone string `json:"zone"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != "zone_changed" {
				continue
			}
			select {
			case events <- msg.Zone:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
