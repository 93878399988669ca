package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: test\n"), 0o600); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	report, err := GenerateChecksumsWithReport(dir, []string{"config.yaml", "extra.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() error = %v", err)
	}
	if report.Written {
		t.Fatal("dry run must not write")
	}
	if _, err := os.Stat(filepath.Join(dir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no %s, stat err = %v", ChecksumFile, err)
	}
	if len(report.Files) != 2 {
		t.Fatalf("expected 2 file results, got %d", len(report.Files))
	}
	if !report.Files[0].Exists || len(report.Files[0].Hash) != 64 {
		t.Errorf("config.yaml result = %+v", report.Files[0])
	}
	if report.Files[1].Exists {
		t.Errorf("extra.yaml should be reported missing")
	}
}

func TestGenerateChecksumsWithReportWritesChecksums(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: test\n"), 0o600); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	report, err := GenerateChecksumsWithReport(dir, []string{"config.yaml"}, false)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() error = %v", err)
	}
	if !report.Written {
		t.Fatal("expected manifest to be written")
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() error = %v", err)
	}
	if manifest.Hashes["config.yaml"] != report.Files[0].Hash {
		t.Errorf("manifest hash %q != report hash %q", manifest.Hashes["config.yaml"], report.Files[0].Hash)
	}
	if err := VerifyFileHash(path, manifest.Hashes["config.yaml"]); err != nil {
		t.Errorf("VerifyFileHash() error = %v", err)
	}
}

func TestVerifyConfigHashRequiresEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("version: 1\nhashes: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	err := verifyConfigHash(path)
	if err == nil || !strings.Contains(err.Error(), "no hash") {
		t.Fatalf("verifyConfigHash() error = %v, want missing entry", err)
	}
}
