package sandboxctl

import (
	"strings"
	"testing"
	"time"
)

func TestResolveDaytonaConfig_RequiresCredentials(t *testing.T) {
	t.Setenv("DAYTONA_API_KEY", "")
	t.Setenv("DAYTONA_JWT_TOKEN", "")
	t.Setenv("DAYTONA_ORGANIZATION_ID", "")
	t.Setenv("DAYTONA_API_URL", "")

	if _, err := resolveDaytonaConfig(DaytonaConfig{}); err == nil {
		t.Fatal("expected error with no credentials")
	}
}

func TestResolveDaytonaConfig_JWTNeedsOrganization(t *testing.T) {
	t.Setenv("DAYTONA_ORGANIZATION_ID", "")

	if _, err := resolveDaytonaConfig(DaytonaConfig{JWTToken: "jwt"}); err == nil {
		t.Fatal("expected error for jwt token without organization id")
	}
	resolved, err := resolveDaytonaConfig(DaytonaConfig{JWTToken: "jwt", OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("resolveDaytonaConfig() error = %v", err)
	}
	if resolved.OrganizationID != "org-1" {
		t.Errorf("OrganizationID = %q, want %q", resolved.OrganizationID, "org-1")
	}
}

func TestResolveDaytonaConfig_Defaults(t *testing.T) {
	t.Setenv("DAYTONA_API_URL", "")

	resolved, err := resolveDaytonaConfig(DaytonaConfig{APIKey: "key"})
	if err != nil {
		t.Fatalf("resolveDaytonaConfig() error = %v", err)
	}
	if resolved.APIURL != defaultDaytonaAPIURL {
		t.Errorf("APIURL = %q, want %q", resolved.APIURL, defaultDaytonaAPIURL)
	}
	if resolved.CPU != 1 {
		t.Errorf("CPU = %d, want 1", resolved.CPU)
	}
	if resolved.MemoryMB != 1024 {
		t.Errorf("MemoryMB = %d, want 1024", resolved.MemoryMB)
	}
}

func TestResolveDaytonaConfig_EnvFallback(t *testing.T) {
	t.Setenv("DAYTONA_API_KEY", "env-key")
	t.Setenv("DAYTONA_API_URL", "https://daytona.internal/api")
	t.Setenv("DAYTONA_TARGET", "eu")

	resolved, err := resolveDaytonaConfig(DaytonaConfig{})
	if err != nil {
		t.Fatalf("resolveDaytonaConfig() error = %v", err)
	}
	if resolved.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want %q", resolved.APIKey, "env-key")
	}
	if resolved.APIURL != "https://daytona.internal/api" {
		t.Errorf("APIURL = %q", resolved.APIURL)
	}
	if resolved.Target != "eu" {
		t.Errorf("Target = %q, want %q", resolved.Target, "eu")
	}
}

func TestParseBaseURL(t *testing.T) {
	tests := []struct {
		raw      string
		scheme   string
		host     string
		basePath string
		wantErr  bool
	}{
		{"https://app.daytona.io/api", "https", "app.daytona.io", "/api", false},
		{"app.daytona.io/api/", "https", "app.daytona.io", "/api", false},
		{"http://localhost:3986", "http", "localhost:3986", "", false},
		{"", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			scheme, host, basePath, err := parseBaseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseBaseURL() error = %v", err)
			}
			if scheme != tt.scheme || host != tt.host || basePath != tt.basePath {
				t.Errorf("parseBaseURL() = (%q, %q, %q), want (%q, %q, %q)",
					scheme, host, basePath, tt.scheme, tt.host, tt.basePath)
			}
		})
	}
}

func TestDurationToMinutes(t *testing.T) {
	if got := durationToMinutes(nil); got != nil {
		t.Errorf("durationToMinutes(nil) = %v, want nil", got)
	}
	d := 90 * time.Minute
	got := durationToMinutes(&d)
	if got == nil || *got != 90 {
		t.Errorf("durationToMinutes(90m) = %v, want 90", got)
	}
}

func TestCleanupCommands_BoundedToWorkspace(t *testing.T) {
	if len(CleanupCommands) == 0 {
		t.Fatal("CleanupCommands is empty")
	}
	for _, cmd := range CleanupCommands {
		if !strings.Contains(cmd, "/workspace") {
			t.Errorf("cleanup command %q does not target the workspace root", cmd)
		}
	}
}
