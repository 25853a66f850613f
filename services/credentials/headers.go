package credentials

import (
	"context"
	"encoding/base64"
	"fmt"
)

// AuthConfig is the per-system auth descriptor from the Connected System
// configuration.
type AuthConfig struct {
	Type   string `json:"type"`
	Header string `json:"header"`
	Prefix string `json:"prefix"`
}

// Auth types supported for header derivation.
const (
	AuthNone        = "none"
	AuthBasic       = "basic"
	AuthAPIKey      = "api_key"
	AuthOAuth2      = "oauth2"
	AuthCertificate = "certificate"
)

// GetAuthHeaders builds the HTTP auth headers for a Connected System from
// its stored secret and auth config. Missing secrets never fail the call:
// they yield empty headers plus a warning, and the downstream HTTP call
// surfaces the authentication failure in its own error channel.
func (m *Manager) GetAuthHeaders(ctx context.Context, name string, auth AuthConfig) (map[string]string, error) {
	if auth.Type == "" || auth.Type == AuthNone {
		return map[string]string{}, nil
	}

	creds, err := m.GetCredentials(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		m.log.WithFields(map[string]any{
			"connected_system": name,
			"auth_type":        auth.Type,
		}).Warn("no credentials stored, returning empty auth headers")
		return map[string]string{}, nil
	}

	switch auth.Type {
	case AuthBasic:
		username := stringValue(creds, "username")
		password := stringValue(creds, "password")
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		return map[string]string{"Authorization": "Basic " + token}, nil

	case AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "Authorization"
		}
		prefix := auth.Prefix
		key := stringValue(creds, "api_key")
		if prefix == "" {
			return map[string]string{header: key}, nil
		}
		return map[string]string{header: prefix + " " + key}, nil

	case AuthOAuth2:
		token := stringValue(creds, "access_token")
		if token == "" {
			m.log.WithField("connected_system", name).Warn("no access_token in credentials")
			return map[string]string{}, nil
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil

	case AuthCertificate:
		// Certificate material is applied by the transport layer, not via
		// headers.
		return map[string]string{}, nil
	}

	m.log.WithFields(map[string]any{
		"connected_system": name,
		"auth_type":        auth.Type,
	}).Warn("unknown auth type")
	return map[string]string{}, nil
}

func stringValue(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
