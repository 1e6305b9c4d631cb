package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		reference string
		status    string
		err       error
	}{
		{"flat id", `{"id":"pay-1","status":"approved"}`, "pay-1", "approved", nil},
		{"numeric id", `{"id":12345678,"status":"pending"}`, "12345678", "pending", nil},
		{"external reference wins", `{"id":"gw-1","external_reference":"pay-2","status":"rejected"}`, "pay-2", "rejected", nil},
		{"nested data", `{"type":"payment","data":{"id":987,"status":"approved"}}`, "987", "approved", nil},
		{"nested id with flat status", `{"status":"cancelled","data":{"id":"pay-3"}}`, "pay-3", "cancelled", nil},
		{"no reference", `{"status":"approved"}`, "", "", ErrMissingReference},
		{"no status", `{"id":"pay-4"}`, "", "", ErrMalformed},
		{"not json", `status=approved`, "", "", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.body))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.reference, got.Reference)
			assert.Equal(t, tt.status, got.Status)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ok":true}`)
	signature := Sign(body, "secret")

	assert.True(t, VerifySignature(body, signature, "secret"))
	assert.False(t, VerifySignature(body, signature, "other"))
	assert.False(t, VerifySignature(body, "deadbeef", "secret"))
	assert.False(t, VerifySignature(body, "not-hex", "secret"))
	assert.False(t, VerifySignature([]byte(`{"ok":false}`), signature, "secret"))
}
