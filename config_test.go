package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-authgate/session-cli/authclient"
	"github.com/sirupsen/logrus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := loadConfig(cliFlags{})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.ServerURL != defaultServerURL {
		t.Errorf("ServerURL = %q, want %q", cfg.ServerURL, defaultServerURL)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if !strings.HasSuffix(cfg.StateFile, filepath.Join(configDirName, "state.json")) {
		t.Errorf("StateFile = %q", cfg.StateFile)
	}
}

func TestLoadConfig_Priority(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
server_url: https://file.example.com
log_level: debug
state_file: /tmp/from-file.json
endpoints:
  refresh: /v2/auth/refresh
`)

	t.Run("file", func(t *testing.T) {
		cfg, err := loadConfig(cliFlags{configFile: path})
		if err != nil {
			t.Fatal(err)
		}
		if cfg.ServerURL != "https://file.example.com" || cfg.LogLevel != "debug" {
			t.Errorf("cfg = %+v", cfg)
		}
		if cfg.Endpoints.Refresh != "/v2/auth/refresh" {
			t.Errorf("Endpoints.Refresh = %q", cfg.Endpoints.Refresh)
		}
	})

	t.Run("env over file", func(t *testing.T) {
		t.Setenv("SERVER_URL", "https://env.example.com")
		cfg, err := loadConfig(cliFlags{configFile: path})
		if err != nil {
			t.Fatal(err)
		}
		if cfg.ServerURL != "https://env.example.com" {
			t.Errorf("ServerURL = %q", cfg.ServerURL)
		}
		if cfg.StateFile != "/tmp/from-file.json" {
			t.Errorf("StateFile = %q", cfg.StateFile)
		}
	})

	t.Run("flag over env", func(t *testing.T) {
		t.Setenv("SERVER_URL", "https://env.example.com")
		cfg, err := loadConfig(cliFlags{configFile: path, serverURL: "https://flag.example.com"})
		if err != nil {
			t.Fatal(err)
		}
		if cfg.ServerURL != "https://flag.example.com" {
			t.Errorf("ServerURL = %q", cfg.ServerURL)
		}
	})

	t.Run("config from env", func(t *testing.T) {
		t.Setenv("SESSION_CLI_CONFIG", path)
		cfg, err := loadConfig(cliFlags{})
		if err != nil {
			t.Fatal(err)
		}
		if cfg.ServerURL != "https://file.example.com" {
			t.Errorf("ServerURL = %q", cfg.ServerURL)
		}
	})
}

func TestLoadConfig_Errors(t *testing.T) {
	isolate(t)

	if _, err := loadConfig(cliFlags{configFile: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
	if _, err := loadConfig(cliFlags{configFile: writeConfig(t, "server_url: [")}); err == nil {
		t.Error("expected error for invalid YAML")
	}
	if _, err := loadConfig(cliFlags{serverURL: "ftp://example.com"}); err == nil {
		t.Error("expected error for a non-HTTP server URL")
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://localhost:8080", false},
		{"valid https", "https://api.example.com", false},
		{"with path", "https://api.example.com/v1", false},
		{"empty", "", true},
		{"no scheme", "api.example.com", true},
		{"wrong scheme", "ftp://api.example.com", true},
		{"no host", "https://", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestWarnPlaintext(t *testing.T) {
	var buf bytes.Buffer
	warnPlaintext(&buf, "https://api.example.com")
	if buf.Len() != 0 {
		t.Errorf("unexpected warning for HTTPS: %q", buf.String())
	}
	warnPlaintext(&buf, "HTTP://localhost:8080")
	if !strings.Contains(buf.String(), "plaintext") {
		t.Errorf("missing warning for HTTP: %q", buf.String())
	}
}

func TestLogFormatter(t *testing.T) {
	entry := &logrus.Entry{
		Logger:  logrus.New(),
		Time:    time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Level:   logrus.WarnLevel,
		Message: "request retried\n",
		Data: logrus.Fields{
			"request_id": "abc123",
			"status":     401,
			"method":     "PUT",
			"ignored":    "x",
		},
	}
	out, err := (&logFormatter{}).Format(entry)
	if err != nil {
		t.Fatal(err)
	}
	want := "[2026-01-02 15:04:05] [abc123] [warn ] request retried method=PUT status=401\n"
	if string(out) != want {
		t.Errorf("Format() = %q, want %q", out, want)
	}
}

func TestSetupLogger(t *testing.T) {
	t.Run("invalid level", func(t *testing.T) {
		if _, _, err := setupLogger(&Config{LogLevel: "loud"}, nil); err == nil {
			t.Error("expected error for invalid level")
		}
	})

	t.Run("console", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closeLog, err := setupLogger(&Config{LogLevel: "info"}, &buf)
		if err != nil {
			t.Fatal(err)
		}
		defer closeLog()
		logger.Debug("hidden")
		logger.Info("shown")
		if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "cli.log")
		logger, closeLog, err := setupLogger(&Config{LogLevel: "debug", LogFile: path}, nil)
		if err != nil {
			t.Fatal(err)
		}
		logger.WithField("component", "session").Debug("to file")
		closeLog()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "to file component=session") {
			t.Errorf("log file = %q", data)
		}
	})
}

func TestCredential(t *testing.T) {
	isolate(t)
	in := bufio.NewReader(strings.NewReader("from-stdin\r\n"))

	if got, _ := credential(in, "from-flag", "SESSION_CLI_EMAIL"); got != "from-flag" {
		t.Errorf("flag: got %q", got)
	}

	t.Setenv("SESSION_CLI_EMAIL", "from-env")
	if got, _ := credential(in, "", "SESSION_CLI_EMAIL"); got != "from-env" {
		t.Errorf("env: got %q", got)
	}

	if got, _ := credential(in, "", "SESSION_CLI_PASSWORD"); got != "from-stdin" {
		t.Errorf("stdin: got %q", got)
	}
	if _, err := credential(in, "", "SESSION_CLI_PASSWORD"); err == nil {
		t.Error("expected error once stdin is exhausted")
	}
}

func TestRequestBody(t *testing.T) {
	body, closeFiles, err := requestBody(`{"a":1}`, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	closeFiles()
	if raw, ok := body.(json.RawMessage); !ok || string(raw) != `{"a":1}` {
		t.Errorf("body = %#v", body)
	}

	if body, _, err := requestBody("", nil, nil); err != nil || body != nil {
		t.Errorf("empty: body = %#v, err = %v", body, err)
	}
	if _, _, err := requestBody("{not json", nil, nil); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, _, err := requestBody(`{}`, []string{"a=b"}, nil); err == nil {
		t.Error("expected error when mixing --data and --field")
	}
	if _, _, err := requestBody("", []string{"novalue"}, nil); err == nil {
		t.Error("expected error for a field without '='")
	}
	if _, _, err := requestBody("", nil, []string{"doc=" + filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	body, closeFiles, err = requestBody("", []string{"k=v=w"}, []string{"doc=" + path})
	if err != nil {
		t.Fatal(err)
	}
	defer closeFiles()
	form, ok := body.(*authclient.Form)
	if !ok {
		t.Fatalf("body = %#v", body)
	}
	if form.Fields["k"] != "v=w" {
		t.Errorf("Fields = %v", form.Fields)
	}
	if len(form.Files) != 1 || form.Files[0].Field != "doc" || form.Files[0].Filename != "a.txt" {
		t.Errorf("Files = %+v", form.Files)
	}
}
