package main

import (
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogger(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := setupLogger("debug", "json"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", log.StandardLogger().Formatter)
	}

	if err := setupLogger(" warn ", "text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := log.StandardLogger().Formatter.(*log.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.StandardLogger().Formatter)
	}

	if err := setupLogger("loud", "text"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestLoadEnvFile_MissingDefaultIsIgnored(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envFileVar, "")

	if err := loadEnvFile(); err != nil {
		t.Fatalf("missing .env must be ignored, got %v", err)
	}
}

func TestLoadEnvFile_ExplicitMissingFails(t *testing.T) {
	t.Setenv(envFileVar, filepath.Join(t.TempDir(), "absent.env"))

	if err := loadEnvFile(); err == nil {
		t.Fatal("expected error for explicit missing env file")
	}
}

func TestLoadEnvFile_DoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "CAMPUS_TEST_FROM_FILE=file\nCAMPUS_TEST_PRESET=file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(envFileVar, path)
	t.Setenv("CAMPUS_TEST_PRESET", "env")
	t.Setenv("CAMPUS_TEST_FROM_FILE", "")
	os.Unsetenv("CAMPUS_TEST_FROM_FILE")

	if err := loadEnvFile(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("CAMPUS_TEST_FROM_FILE") })

	if got := os.Getenv("CAMPUS_TEST_FROM_FILE"); got != "file" {
		t.Errorf("expected value from file, got %q", got)
	}
	if got := os.Getenv("CAMPUS_TEST_PRESET"); got != "env" {
		t.Errorf("environment must win over env file, got %q", got)
	}
}
