package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestBindFlags(t *testing.T) {
	var (
		domainFlag string
		threadFlag int
		hostsFlag  []string
		stealthOn  bool
	)
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&domainFlag, "domain", "", "")
	cmd.Flags().IntVar(&threadFlag, "threads", 50, "")
	cmd.Flags().StringSliceVar(&hostsFlag, "exclude-hosts", nil, "")
	cmd.Flags().BoolVar(&stealthOn, "stealth", false, "")
	if err := cmd.Flags().Set("domain", "cli.local"); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	v.Set("domain", "env.local")
	v.Set("threads", "7")
	v.Set("exclude-hosts", []string{"ws*,srv*", "dc01"})
	v.Set("stealth", "true")

	if err := bindFlags(cmd, v); err != nil {
		t.Fatalf("bindFlags failed: %v", err)
	}
	if domainFlag != "cli.local" {
		t.Errorf("A flag set on the command line must win, got %q", domainFlag)
	}
	if threadFlag != 7 || !stealthOn {
		t.Errorf("Unexpected values threads=%d stealth=%v", threadFlag, stealthOn)
	}
	if strings.Join(hostsFlag, "|") != "ws*|srv*|dc01" {
		t.Errorf("Unexpected exclude hosts %v", hostsFlag)
	}
}

func TestBindFlagsRejectsBadValues(t *testing.T) {
	var threadFlag int
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().IntVar(&threadFlag, "threads", 50, "")

	v := viper.New()
	v.Set("threads", "many")
	if err := bindFlags(cmd, v); err == nil || !strings.Contains(err.Error(), "threads") {
		t.Errorf("Expected an error naming the flag, got %v", err)
	}
}

func TestLoadConfigurationReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dirhound.yaml")
	if err := os.WriteFile(path, []byte("domain: corp.local\njitter: 20\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var domainFlag string
	var jitterFlag int
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&domainFlag, "domain", "", "")
	cmd.Flags().IntVar(&jitterFlag, "jitter", 0, "")

	configFile = path
	defer func() { configFile = "" }()
	if err := loadConfiguration(cmd, viper.New()); err != nil {
		t.Fatalf("loadConfiguration failed: %v", err)
	}
	if domainFlag != "corp.local" || jitterFlag != 20 {
		t.Errorf("Unexpected values domain=%q jitter=%d", domainFlag, jitterFlag)
	}
}

func TestLoadConfigurationMissingEnvFile(t *testing.T) {
	envFile = filepath.Join(t.TempDir(), "missing.env")
	defer func() { envFile = "" }()
	if err := loadConfiguration(&cobra.Command{Use: "test"}, viper.New()); err == nil {
		t.Error("Expected an error for a missing env file")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList([]string{"Session, ACL", "", "Group"})
	if strings.Join(got, "|") != "Session|ACL|Group" {
		t.Errorf("Unexpected list %v", got)
	}
}
