package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// RemoteConfigKey is the local storage key holding the remote backend blob.
const RemoteConfigKey = "microlab.remoteConfig"

// ErrInvalidRemoteConfig marks a remote configuration blob that cannot be used.
var ErrInvalidRemoteConfig = errors.New("invalid remote configuration")

// RemoteConfig describes the remote backend. Its presence in local storage
// switches the backend selector to the remote engine.
type RemoteConfig struct {
	APIKey         string `json:"apiKey"`
	ProjectID      string `json:"projectId"`
	DatabaseURL    string `json:"databaseURL"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// ParseRemoteConfig decodes a blob. Comments and trailing commas are accepted.
func ParseRemoteConfig(data []byte) (RemoteConfig, error) {
	var rc RemoteConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &rc); err != nil {
		return RemoteConfig{}, fmt.Errorf("%w: %v", ErrInvalidRemoteConfig, err)
	}
	if err := rc.Validate(); err != nil {
		return RemoteConfig{}, err
	}
	return rc, nil
}

// Validate reports missing required fields.
func (rc RemoteConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(rc.APIKey) == "" {
		missing = append(missing, "apiKey")
	}
	if strings.TrimSpace(rc.ProjectID) == "" {
		missing = append(missing, "projectId")
	}
	if strings.TrimSpace(rc.DatabaseURL) == "" {
		missing = append(missing, "databaseURL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRemoteConfig, strings.Join(missing, ", "))
	}
	if rc.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: negative timeoutSeconds", ErrInvalidRemoteConfig)
	}
	return nil
}

// Timeout returns the configured per-attempt timeout or fallback.
func (rc RemoteConfig) Timeout(fallback time.Duration) time.Duration {
	if rc.TimeoutSeconds > 0 {
		return time.Duration(rc.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Redacted returns a copy safe for display.
func (rc RemoteConfig) Redacted() RemoteConfig {
	out := rc
	if len(out.APIKey) > 4 {
		out.APIKey = strings.Repeat("*", len(out.APIKey)-4) + out.APIKey[len(out.APIKey)-4:]
	} else if out.APIKey != "" {
		out.APIKey = "****"
	}
	return out
}

// LoadRemoteConfig reads the blob from ls. ok is false when none is saved; a
// saved but malformed blob is returned as an error.
func LoadRemoteConfig(ls *LocalStorage) (rc RemoteConfig, ok bool, err error) {
	raw, found, err := ls.GetItem(RemoteConfigKey)
	if err != nil {
		return RemoteConfig{}, false, err
	}
	if !found || strings.TrimSpace(raw) == "" {
		return RemoteConfig{}, false, nil
	}
	rc, err = ParseRemoteConfig([]byte(raw))
	if err != nil {
		return RemoteConfig{}, true, err
	}
	return rc, true, nil
}

// SaveRemoteConfig validates rc and stores it in ls.
func SaveRemoteConfig(ls *LocalStorage, rc RemoteConfig) error {
	if err := rc.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	return ls.SetItem(RemoteConfigKey, string(data))
}

// ResetRemoteConfig deletes the blob, reverting to the embedded backend on the
// next start.
func ResetRemoteConfig(ls *LocalStorage) error {
	return ls.RemoveItem(RemoteConfigKey)
}
