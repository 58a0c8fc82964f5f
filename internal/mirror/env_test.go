package mirror

import (
	"os"
	"testing"
)

func TestApplyEnvironmentVariables(t *testing.T) {
	tests := []struct {
		name      string
		envVars   map[string]string
		check     func(t *testing.T, c *Config)
		expectErr bool
	}{
		{
			name: "dir and max trees",
			envVars: map[string]string{
				"CONDASYNC_DIR":       "/custom/path",
				"CONDASYNC_MAX_TREES": "8",
			},
			check: func(t *testing.T, c *Config) {
				if c.Dir != "/custom/path" {
					t.Errorf("Dir = %q, expected /custom/path", c.Dir)
				}
				if c.MaxTrees != 8 {
					t.Errorf("MaxTrees = %d, expected 8", c.MaxTrees)
				}
			},
		},
		{
			name: "legacy working dir",
			envVars: map[string]string{
				"TUNASYNC_WORKING_DIR": "/data/anaconda",
			},
			check: func(t *testing.T, c *Config) {
				if c.Dir != "/data/anaconda" {
					t.Errorf("Dir = %q, expected /data/anaconda", c.Dir)
				}
			},
		},
		{
			name: "CONDASYNC_DIR wins over legacy",
			envVars: map[string]string{
				"CONDASYNC_DIR":        "/custom/path",
				"TUNASYNC_WORKING_DIR": "/data/anaconda",
			},
			check: func(t *testing.T, c *Config) {
				if c.Dir != "/custom/path" {
					t.Errorf("Dir = %q, expected /custom/path", c.Dir)
				}
			},
		},
		{
			name: "prune and log",
			envVars: map[string]string{
				"CONDASYNC_PRUNE":      "true",
				"CONDASYNC_LOG_LEVEL":  "debug",
				"CONDASYNC_LOG_FORMAT": "json",
			},
			check: func(t *testing.T, c *Config) {
				if !c.Prune {
					t.Error("Prune should be true")
				}
				if c.Log.Level != "debug" || c.Log.Format != "json" {
					t.Errorf("Log = %+v, expected {debug json}", c.Log)
				}
			},
		},
		{
			name: "invalid max trees",
			envVars: map[string]string{
				"CONDASYNC_MAX_TREES": "many",
			},
			expectErr: true,
		},
		{
			name: "invalid prune",
			envVars: map[string]string{
				"CONDASYNC_PRUNE": "sometimes",
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv forbids t.Parallel.
			t.Setenv("CONDASYNC_DIR", "")
			t.Setenv("TUNASYNC_WORKING_DIR", "")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			if _, ok := tt.envVars["CONDASYNC_DIR"]; !ok {
				unsetenv(t, "CONDASYNC_DIR")
			}

			c := &Config{Dir: "/original/path", MaxTrees: 4}
			err := ApplyEnvironmentVariables(c)
			if tt.expectErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, c)
		})
	}
}

func TestEmptyEnvironmentVariable(t *testing.T) {
	unsetenv(t, "CONDASYNC_DIR")
	t.Setenv("TUNASYNC_WORKING_DIR", "")

	c := &Config{Dir: "/original/path", MaxTrees: 4}
	if err := ApplyEnvironmentVariables(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Dir != "/original/path" {
		t.Errorf("Dir = %q, expected /original/path", c.Dir)
	}
	if c.MaxTrees != 4 {
		t.Errorf("MaxTrees = %d, expected 4", c.MaxTrees)
	}
}

// unsetenv removes key for the duration of the test.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatal(err)
	}
}
