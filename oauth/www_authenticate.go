// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	maxHeaderLength      = 4096
	maxMetadataURLLength = 2048
)

// Challenge is one authentication challenge of a WWW-Authenticate header.
type Challenge struct {
	Scheme string
	Params map[string]string
}

// ParseWWWAuthenticate splits a WWW-Authenticate header into challenges.
// Parameter names are lower-cased and quoted values unescaped.
func ParseWWWAuthenticate(header string) ([]Challenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}
	if len(header) > maxHeaderLength {
		return nil, fmt.Errorf("WWW-Authenticate header too long (max %d bytes)", maxHeaderLength)
	}

	var challenges []Challenge
	for _, part := range splitOutsideQuotes(header, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		eq := strings.IndexByte(part, '=')
		sp := strings.IndexAny(part, " \t")
		switch {
		case sp > 0 && (eq == -1 || sp < eq):
			challenges = append(challenges, Challenge{Scheme: part[:sp], Params: map[string]string{}})
			part = strings.TrimSpace(part[sp+1:])
			if part == "" {
				continue
			}
		case eq == -1:
			challenges = append(challenges, Challenge{Scheme: part, Params: map[string]string{}})
			continue
		}

		if len(challenges) == 0 {
			continue
		}
		if key, value, ok := parseParam(part); ok {
			challenges[len(challenges)-1].Params[key] = value
		}
	}

	return challenges, nil
}

// ResourceMetadataURL extracts the RFC 9728 resource_metadata parameter.
func ResourceMetadataURL(header string) (string, error) {
	challenges, err := ParseWWWAuthenticate(header)
	if err != nil {
		return "", err
	}
	for _, c := range challenges {
		if metadataURL := c.Params["resource_metadata"]; metadataURL != "" {
			if err := validateMetadataURL(metadataURL); err != nil {
				return "", err
			}
			return metadataURL, nil
		}
	}
	return "", fmt.Errorf("resource_metadata not found in WWW-Authenticate header")
}

func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	var quote byte
	escaped := false
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && quote != 0:
			escaped = true
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func parseParam(s string) (string, string, bool) {
	key, value, found := strings.Cut(s, "=")
	if !found {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}

	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') {
		if value[len(value)-1] != value[0] {
			return "", "", false
		}
		value = value[1 : len(value)-1]
		value = strings.NewReplacer(`\"`, `"`, `\'`, `'`, `\\`, `\`).Replace(value)
	}
	return key, value, true
}

func validateMetadataURL(metadataURL string) error {
	if len(metadataURL) > maxMetadataURLLength {
		return fmt.Errorf("resource_metadata URL too long (max %d bytes)", maxMetadataURLLength)
	}

	parsedURL, err := url.Parse(metadataURL)
	if err != nil {
		return fmt.Errorf("invalid resource_metadata URL format: %v", err)
	}
	if parsedURL.Scheme == "" {
		return fmt.Errorf("resource_metadata URL missing scheme")
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("resource_metadata URL missing host")
	}
	return nil
}
