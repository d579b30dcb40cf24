package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := s.Get()
	want := Default()
	if got != want {
		t.Errorf("Get() = %+v, want defaults %+v", got, want)
	}
}

func TestUpdatePersistsAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := Default()
	cfg.VarsPath = "/library"
	cfg.VamPath = "/vam"
	cfg.VamExec = `C:\full\path\VaM.exe`
	cfg.Proxy = Proxy{Host: "", Port: 0}
	if err := s.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got := s.Get()
	if got.VamExec != "VaM.exe" {
		t.Errorf("VamExec = %q, want basename reduced to VaM.exe", got.VamExec)
	}
	if !got.Proxy.Empty() {
		t.Errorf("expected empty proxy to reset to zero value, got %+v", got.Proxy)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected config to be persisted to %s: %v", path, err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reloading persisted config: %v", err)
	}
	if reloaded.Get().VarsPath != "/library" {
		t.Errorf("reloaded config lost varspath: %+v", reloaded.Get())
	}
}

func TestUpdateRejectsInvalidPort(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "config.json"))
	cfg := Default()
	cfg.ListenPort = 70000
	if err := s.Update(cfg); err == nil {
		t.Error("expected error for out-of-range listen_port")
	}
}

func TestUpdateRejectsUnknownLogLevel(t *testing.T) {
	s, _ := Load(filepath.Join(t.TempDir(), "config.json"))
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := s.Update(cfg); err == nil {
		t.Error("expected error for unrecognised log_level")
	}
}

func TestResolvedDownloadSavePathDefaultsToAddonDir(t *testing.T) {
	cfg := Default()
	cfg.VamPath = filepath.Join("home", "user", "VaM")
	got := cfg.ResolvedDownloadSavePath("AddonPackages")
	want := filepath.Join(cfg.VamPath, "AddonPackages")
	if got != want {
		t.Errorf("ResolvedDownloadSavePath() = %q, want %q", got, want)
	}
}
