// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type statePayload struct {
	ServerID string `json:"serverId"`
	Nonce    string `json:"nonce"`
}

// EncodeState packs the server id and a nonce into the OAuth state parameter.
func EncodeState(serverID, nonce string) string {
	data, _ := json.Marshal(statePayload{ServerID: serverID, Nonce: nonce})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeState recovers the server id and nonce. Padded and standard base64 are accepted.
func DecodeState(state string) (string, string, error) {
	if state == "" {
		return "", "", fmt.Errorf("empty OAuth state")
	}

	var data []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.URLEncoding, base64.StdEncoding, base64.RawStdEncoding} {
		if data, err = enc.DecodeString(state); err == nil {
			break
		}
	}
	if err != nil {
		return "", "", fmt.Errorf("malformed OAuth state: %w", err)
	}

	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", "", fmt.Errorf("malformed OAuth state: %w", err)
	}
	if payload.ServerID == "" {
		return "", "", fmt.Errorf("OAuth state carries no server id")
	}
	return payload.ServerID, payload.Nonce, nil
}

// Callback is the parsed authorization redirect.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Err reports the authorization server's error, if any.
func (c *Callback) Err() error {
	if c.Error == "" {
		return nil
	}
	return &AuthorizationError{Code: c.Error, Description: c.ErrorDescription}
}

// ParseCallback reads code, state and error parameters from a redirect URL. Parameters in the
// fragment are used when the query has none.
func ParseCallback(rawURL string) (*Callback, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}

	values := parsed.Query()
	if values.Get("code") == "" && values.Get("error") == "" && parsed.Fragment != "" {
		if fragment, fragErr := url.ParseQuery(strings.TrimPrefix(parsed.Fragment, "?")); fragErr == nil {
			values = fragment
		}
	}

	cb := &Callback{
		Code:             values.Get("code"),
		State:            values.Get("state"),
		Error:            values.Get("error"),
		ErrorDescription: values.Get("error_description"),
	}
	if cb.Error == "" && (cb.Code == "" || cb.State == "") {
		return nil, fmt.Errorf("callback is missing code or state")
	}
	return cb, nil
}
