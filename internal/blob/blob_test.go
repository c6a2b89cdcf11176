package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"microlab/internal/config"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cases := []struct {
		cfg  Config
		want Driver
	}{
		{Config{Root: dir}, DriverFilesystem},
		{Config{Driver: DriverFilesystem, Root: filepath.Join(dir, "b")}, DriverFilesystem},
		{Config{Driver: DriverMemory}, DriverMemory},
		{Config{Driver: DriverS3, S3: S3Config{Bucket: "logbook", AccessKeyID: "AKIA", SecretAccessKey: "SECRET"}}, DriverS3},
	}
	for _, tc := range cases {
		store, err := Open(ctx, tc.cfg)
		if err != nil {
			t.Fatalf("open %+v: %v", tc.cfg, err)
		}
		if store.Driver() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, store.Driver())
		}
	}
	if _, err := Open(ctx, Config{Driver: "ftp"}); err == nil || !strings.Contains(err.Error(), "ftp") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestConfigFromBackup(t *testing.T) {
	backup := config.BackupConfig{
		Driver: "s3",
		S3: config.S3Config{
			Bucket:          "logbook",
			Region:          "eu-west-1",
			Endpoint:        "http://minio:9000",
			Prefix:          "field/",
			PathStyle:       true,
			AccessKeyID:     "AKIA",
			SecretAccessKey: "SECRET",
		},
	}
	cfg := ConfigFromBackup(backup, "/data")
	if cfg.Driver != DriverS3 || cfg.S3.Bucket != "logbook" || cfg.S3.Prefix != "field/" || !cfg.S3.PathStyle {
		t.Fatalf("unexpected mapping %+v", cfg)
	}
	if cfg.S3.AccessKeyID != "AKIA" || cfg.S3.SecretAccessKey != "SECRET" {
		t.Fatalf("credentials not mapped")
	}
	if cfg.Root != filepath.Join("/data", "backups") {
		t.Fatalf("expected default root, got %s", cfg.Root)
	}
	if rel := ConfigFromBackup(config.BackupConfig{Driver: "fs", Root: "archive"}, "/data"); rel.Root != filepath.Join("/data", "archive") {
		t.Fatalf("relative root must resolve against data dir, got %s", rel.Root)
	}
	if abs := ConfigFromBackup(config.BackupConfig{Driver: "fs", Root: "/mnt/usb"}, "/data"); abs.Root != "/mnt/usb" {
		t.Fatalf("absolute root must be kept, got %s", abs.Root)
	}
}

func TestMemoryAndMockConstructors(t *testing.T) {
	if NewMemory().Driver() != DriverMemory {
		t.Fatalf("unexpected memory driver")
	}
	if NewMockS3ForTests().Driver() != DriverS3 {
		t.Fatalf("unexpected mock driver")
	}
}
