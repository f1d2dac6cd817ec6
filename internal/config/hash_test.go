package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()
	writeTestFile(t, filepath.Join(tmpDir, "config.yaml"), "service:\n  name: host\n")

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"config.yaml", "queues.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("queues.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockThenLoadVerifies(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "config.yaml")
	writeTestFile(t, root, "include: [sub/queues.yaml]\n")
	writeTestFile(t, filepath.Join(dir, "sub", "queues.yaml"), "queues:\n  ping:\n    workers: 2\n")

	reports, err := Lock(root, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want one per directory", len(reports))
	}
	for _, r := range reports {
		if !r.Written {
			t.Errorf("%s not written", r.ChecksumPath)
		}
	}

	manifest, err := LoadChecksums(filepath.Join(dir, "sub"))
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if _, ok := manifest.Hashes["queues.yaml"]; !ok {
		t.Fatalf("queues.yaml missing from manifest: %v", manifest.Hashes)
	}

	if _, err := Load(root); err != nil {
		t.Fatalf("Load() after lock failed: %v", err)
	}

	writeTestFile(t, filepath.Join(dir, "sub", "queues.yaml"), "queues:\n  ping:\n    workers: 9\n")
	_, err = Load(root)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestLoadRejectsFileMissingFromManifest(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "config.yaml")
	writeTestFile(t, root, "service:\n  name: host\n")
	if _, err := GenerateChecksumsWithReport(dir, nil, false); err != nil {
		t.Fatal(err)
	}

	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "has no hash") {
		t.Fatalf("Load() error = %v, want missing hash", err)
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.yaml")
	writeTestFile(t, path, "a: 1\n")
	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Errorf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Error("VerifyFileHash() accepted a wrong hash")
	}
}
