// Package payload parses the bodies gateways push to the webhook endpoint.
package payload

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrMalformed        = errors.New("malformed notification")
	ErrMissingReference = errors.New("notification carries no payment reference")
)

// Notification is the union of the shapes gateways use: a flat
// {id, status}, a flat {external_reference, status}, or a nested
// {data: {id, status}}.
type Notification struct {
	ID                ID     `json:"id"`
	ExternalReference ID     `json:"external_reference"`
	Status            string `json:"status"`
	Data              *struct {
		ID     ID     `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ID accepts both JSON strings and numbers.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Status is a notification reduced to what reconciliation needs.
type Status struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Parse extracts the payment reference and raw status from a webhook body.
// external_reference is preferred over id, and the nested data object is
// used when the flat fields are absent.
func Parse(body []byte) (*Status, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}

	out := &Status{Status: strings.TrimSpace(n.Status)}
	switch {
	case n.ExternalReference != "":
		out.Reference = string(n.ExternalReference)
	case n.ID != "":
		out.Reference = string(n.ID)
	case n.Data != nil && n.Data.ID != "":
		out.Reference = string(n.Data.ID)
	}
	if out.Status == "" && n.Data != nil {
		out.Status = strings.TrimSpace(n.Data.Status)
	}

	out.Reference = strings.TrimSpace(out.Reference)
	if out.Reference == "" {
		return nil, ErrMissingReference
	}
	if out.Status == "" {
		return nil, errors.Join(ErrMalformed, errors.New("status is empty"))
	}
	return out, nil
}

// VerifySignature checks a hex HMAC-SHA256 of body.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	sig, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sig)
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
