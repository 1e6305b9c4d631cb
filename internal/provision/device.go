package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"payment-reconciler/internal/model"
)

const (
	defaultTimeout = 10 * time.Second
	userPath       = "/rest/ip/hotspot/user"
)

// Credential is a hotspot user as represented by the device REST API.
type Credential struct {
	ID         string `json:".id,omitempty"`
	Name       string `json:"name"`
	Password   string `json:"password,omitempty"`
	Profile    string `json:"profile"`
	MacAddress string `json:"mac-address"`
	Comment    string `json:"comment,omitempty"`
}

// Device is the subset of the hotspot management API the provisioner needs.
type Device interface {
	FindByMac(ctx context.Context, macAddress string) ([]Credential, error)
	Delete(ctx context.Context, id string) error
	Create(ctx context.Context, c Credential) (Credential, error)
}

// DeviceClient talks to a single router over HTTP.
type DeviceClient struct {
	client  *http.Client
	baseURL string
	router  model.Router
	logger  *slog.Logger
}

func NewDeviceClient(router model.Router, timeout time.Duration, logger *slog.Logger) *DeviceClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	scheme := "http"
	if router.UseTLS {
		scheme = "https"
	}
	return &DeviceClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, router.Host, router.Port),
		router:  router,
		logger:  logger.With("routerId", router.ID),
	}
}

func (c *DeviceClient) FindByMac(ctx context.Context, macAddress string) ([]Credential, error) {
	query := url.Values{"mac-address": []string{macAddress}}
	var found []Credential
	if err := c.do(ctx, "find", http.MethodGet, userPath+"?"+query.Encode(), nil, &found); err != nil {
		return nil, err
	}
	return found, nil
}

func (c *DeviceClient) Delete(ctx context.Context, id string) error {
	err := c.do(ctx, "delete", http.MethodDelete, userPath+"/"+url.PathEscape(id), nil, nil)
	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *DeviceClient) Create(ctx context.Context, cred Credential) (Credential, error) {
	var created Credential
	if err := c.do(ctx, "create", http.MethodPut, userPath, cred, &created); err != nil {
		return Credential{}, err
	}
	return created, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return "device responded " + strconv.Itoa(e.code) + ": " + e.body
}

func (c *DeviceClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: ErrInvalidInput, Op: op, Err: err}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Kind: ErrInvalidInput, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.router.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.router.Token)
	}
	req.Header.Set("X-Device-User", c.router.Username)
	req.Header.Set("X-Device-Password", c.router.Password)

	c.logger.DebugContext(ctx, "Sending device request", "op", op, "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		return &Error{Kind: ErrUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: ErrUnavailable, Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrUnavailable, Op: op, Err: &statusError{code: resp.StatusCode, body: string(respBody)}}
	case resp.StatusCode >= 400:
		return &Error{Kind: ErrRejected, Op: op, Err: &statusError{code: resp.StatusCode, body: string(respBody)}}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: ErrUnavailable, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
