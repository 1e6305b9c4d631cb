package provision

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"payment-reconciler/internal/model"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
)

func TestDeviceClient_ErrorClassification(t *testing.T) {
	router := model.Router{ID: 3, Host: "router.local", Port: 8728, Username: "admin", Password: "pw", Token: "tok"}

	tests := []struct {
		name         string
		mockResponse func()
		call         func(c *DeviceClient) error
		expected     error
	}{
		{
			name: "FindOK",
			mockResponse: func() {
				gock.New("http://router.local:8728").
					Get("/rest/ip/hotspot/user").
					MatchParam("mac-address", "00:11:22:33:44:55").
					MatchHeader("Authorization", "Bearer tok").
					MatchHeader("X-Device-User", "admin").
					Reply(200).
					JSON([]Credential{{ID: "*1", Name: "001122334455", MacAddress: "00:11:22:33:44:55"}})
			},
			call: func(c *DeviceClient) error {
				found, err := c.FindByMac(context.Background(), "00:11:22:33:44:55")
				if err == nil && len(found) != 1 {
					t.Errorf("expected one credential, got %d", len(found))
				}
				return err
			},
		},
		{
			name: "DeleteMissingIsNotAnError",
			mockResponse: func() {
				gock.New("http://router.local:8728").
					Delete("/rest/ip/hotspot/user/abc").
					Reply(404).
					JSON(map[string]any{"error": 404, "message": "no such item"})
			},
			call: func(c *DeviceClient) error { return c.Delete(context.Background(), "abc") },
		},
		{
			name: "Unauthorized",
			mockResponse: func() {
				gock.New("http://router.local:8728").
					Put("/rest/ip/hotspot/user").
					Reply(401)
			},
			call: func(c *DeviceClient) error {
				_, err := c.Create(context.Background(), Credential{Name: "x"})
				return err
			},
			expected: ErrRejected,
		},
		{
			name: "ServerError",
			mockResponse: func() {
				gock.New("http://router.local:8728").
					Get("/rest/ip/hotspot/user").
					Reply(503)
			},
			call: func(c *DeviceClient) error {
				_, err := c.FindByMac(context.Background(), "00:11:22:33:44:55")
				return err
			},
			expected: ErrUnavailable,
		},
		{
			name: "Timeout",
			mockResponse: func() {
				gock.New("http://router.local:8728").
					Get("/rest/ip/hotspot/user").
					Reply(200).
					Delay(500 * time.Millisecond)
			},
			call: func(c *DeviceClient) error {
				_, err := c.FindByMac(context.Background(), "00:11:22:33:44:55")
				return err
			},
			expected: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.mockResponse()

			client := NewDeviceClient(router, 100*time.Millisecond, slog.Default())
			err := tt.call(client)
			if tt.expected == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expected)
			}
			assert.True(t, gock.IsDone())
		})
	}
}
