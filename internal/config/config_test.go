package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MICROLAB_DATA_DIR", "")
	cfg, err := Load("", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != dir {
		t.Fatalf("unexpected data dir %s", cfg.DataDir)
	}
	if cfg.Storage.SQLitePath != filepath.Join(dir, "microlab.db") {
		t.Fatalf("unexpected sqlite path %s", cfg.Storage.SQLitePath)
	}
	if cfg.Storage.RemoteTimeout != DefaultRemoteTimeout {
		t.Fatalf("unexpected timeout %s", cfg.Storage.RemoteTimeout)
	}
	if cfg.Backup.Root != filepath.Join(dir, "backups") || cfg.Backup.Format != "json" {
		t.Fatalf("unexpected backup defaults %+v", cfg.Backup)
	}
	if cfg.LocalStoragePath() != filepath.Join(dir, LocalStorageFile) {
		t.Fatalf("unexpected local storage path %s", cfg.LocalStoragePath())
	}
}

func TestLoadYAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	body := `
storage:
  driver: sqlite
  strict_updates: true
  remote_timeout: 3s
backup:
  driver: memory
  format: cbor
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MICROLAB_DATA_DIR", "")
	t.Setenv("MICROLAB_STORAGE_DRIVER", "memory")
	t.Setenv("MICROLAB_REMOTE_TIMEOUT", "")
	cfg, err := Load(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("env should override driver, got %s", cfg.Storage.Driver)
	}
	if !cfg.Storage.StrictUpdates || cfg.Storage.RemoteTimeout != 3*time.Second {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Backup.Driver != "memory" || cfg.Backup.Format != "cbor" || cfg.Backup.Root != "" {
		t.Fatalf("unexpected backup %+v", cfg.Backup)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log %+v", cfg.Log)
	}
}

func TestApplyEnvParsesTypedValues(t *testing.T) {
	cfg := Default(t.TempDir())
	err := cfg.ApplyEnv(envMap(map[string]string{
		"MICROLAB_STRICT_UPDATES":   "true",
		"MICROLAB_REMOTE_TIMEOUT":   "250ms",
		"MICROLAB_BACKUP_DRIVER":    "s3",
		"MICROLAB_BACKUP_S3_BUCKET": "logbook",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if !cfg.Storage.StrictUpdates || cfg.Storage.RemoteTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if err := cfg.ApplyEnv(envMap(map[string]string{"MICROLAB_STRICT_UPDATES": "maybe"})); err == nil {
		t.Fatalf("expected bool parse failure")
	}
	if err := cfg.ApplyEnv(envMap(map[string]string{"MICROLAB_REMOTE_TIMEOUT": "soon"})); err == nil {
		t.Fatalf("expected duration parse failure")
	}
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Storage.Driver = "mongo"
	cfg.Backup.Driver = "s3"
	cfg.Backup.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"storage.driver", "backup.s3.bucket", "backup.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("storage: [unterminated"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load("", dir); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default(dir)
	cfg.Storage.Driver = "sqlite"
	path := filepath.Join(dir, "nested", FileName)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	t.Setenv("MICROLAB_STORAGE_DRIVER", "")
	loaded, err := Load(path, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected driver %s", loaded.Storage.Driver)
	}
}

func TestLocalStorageItems(t *testing.T) {
	ls := NewLocalStorage(filepath.Join(t.TempDir(), "sub", LocalStorageFile))
	if _, ok, err := ls.GetItem("missing"); err != nil || ok {
		t.Fatalf("expected missing item, got %v %v", ok, err)
	}
	if err := ls.SetItem("a", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := ls.SetItem("b", "2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	reopened := NewLocalStorage(ls.Path())
	if v, ok, err := reopened.GetItem("a"); err != nil || !ok || v != "1" {
		t.Fatalf("unexpected item %q %v %v", v, ok, err)
	}
	if err := reopened.RemoveItem("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reopened.RemoveItem("a"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, ok, _ := ls.GetItem("a"); ok {
		t.Fatalf("expected a removed")
	}

	if err := os.WriteFile(ls.Path(), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, _, err := ls.GetItem("b"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParseRemoteConfigLenient(t *testing.T) {
	blob := []byte(`{
		// pasted from the console
		"apiKey": "key-123456",
		"projectId": "field-logbook",
		"databaseURL": "postgres://tech@db.example.com/microlab",
		"timeoutSeconds": 5,
	}`)
	rc, err := ParseRemoteConfig(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rc.ProjectID != "field-logbook" || rc.Timeout(time.Second) != 5*time.Second {
		t.Fatalf("unexpected config %+v", rc)
	}
	if got := rc.Redacted().APIKey; got != "******3456" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if _, err := ParseRemoteConfig([]byte(`{"apiKey":"x"}`)); !errors.Is(err, ErrInvalidRemoteConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
	if _, err := ParseRemoteConfig([]byte(`not json`)); !errors.Is(err, ErrInvalidRemoteConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestRemoteConfigPersistence(t *testing.T) {
	ls := NewLocalStorage(filepath.Join(t.TempDir(), LocalStorageFile))
	if _, ok, err := LoadRemoteConfig(ls); err != nil || ok {
		t.Fatalf("expected no remote config, got %v %v", ok, err)
	}
	rc := RemoteConfig{APIKey: "k", ProjectID: "p", DatabaseURL: "postgres://u@h/db"}
	if err := SaveRemoteConfig(ls, rc); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, ok, err := LoadRemoteConfig(ls)
	if err != nil || !ok || loaded != rc {
		t.Fatalf("unexpected load %+v %v %v", loaded, ok, err)
	}
	if err := SaveRemoteConfig(ls, RemoteConfig{}); !errors.Is(err, ErrInvalidRemoteConfig) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if err := ls.SetItem(RemoteConfigKey, `{"apiKey": 1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := LoadRemoteConfig(ls); !ok || err == nil {
		t.Fatalf("expected malformed saved config to be reported, got %v %v", ok, err)
	}
	if err := ResetRemoteConfig(ls); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok, _ := LoadRemoteConfig(ls); ok {
		t.Fatalf("expected config removed")
	}
}
