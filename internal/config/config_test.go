package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_MaxConcurrentTurns(t *testing.T) {
	for _, n := range []int{0, 101} {
		cfg := Defaults()
		cfg.General.MaxConcurrentTurns = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for maxConcurrentTurns=%d", n)
		}
	}
	for _, n := range []int{1, 100} {
		cfg := Defaults()
		cfg.General.MaxConcurrentTurns = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("maxConcurrentTurns=%d should be valid: %v", n, err)
		}
	}
}

func TestValidate_UnknownParseMode(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.ParseModes = []string{"HTML", "BBCode"}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "BBCode") {
		t.Fatalf("expected parse mode error, got %v", err)
	}
}

func TestValidate_AllowChatsMustBeIDs(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.AllowChats = FlexStringList{"-100123", "@channel"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
}

func TestValidate_MediaSettings(t *testing.T) {
	cfg := Defaults()
	cfg.Media.JPEGQuality = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for jpegQuality=0")
	}

	cfg = Defaults()
	cfg.Media.MaxDimension = 100
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxDimension=100")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "loud"
	cfg.Workflow.TimeoutSeconds = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"general.logLevel", "workflow.timeoutSeconds"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %s in %v", want, err)
		}
	}
}

func TestValidate_MetricsListenRequired(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for metrics without listen address")
	}
}

func TestReady(t *testing.T) {
	cfg := Defaults()
	err := Ready(cfg)
	if err == nil || !strings.Contains(err.Error(), "telegram.token") || !strings.Contains(err.Error(), "workflow.apiKey") {
		t.Fatalf("expected missing settings, got %v", err)
	}
	cfg.Telegram.Token = "t"
	cfg.Workflow.APIKey = "k"
	if err := Ready(cfg); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Workflow.APIBase = "http://dify.local/v1"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Workflow.APIBase != "http://dify.local/v1" {
		t.Fatalf("expected apiBase to survive, got %q", loaded.Workflow.APIBase)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	original := Defaults()
	original.Telegram.AllowChats = FlexStringList{"-1001", "42"}
	original.Media.JPEGQuality = 70
	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Media.JPEGQuality != 70 || len(loaded.Telegram.AllowChats) != 2 {
		t.Fatalf("unexpected config %+v", loaded)
	}
}

func TestLoad_YAMLWithNumericChatIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := "telegram:\n  token: abc\n  allowChats: [-1001234, \"42\"]\nmedia:\n  maxAgeHours: 6\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := cfg.Telegram.ChatIDs()
	if len(ids) != 2 || ids[0] != -1001234 || ids[1] != 42 {
		t.Fatalf("unexpected chat ids %v", ids)
	}
	if cfg.Media.MaxAgeHours != 6 || cfg.Media.JPEGQuality != 85 {
		t.Fatalf("defaults should fill unset fields: %+v", cfg.Media)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"general": {
			"maxConcurrentTurns": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxConcurrentTurns=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAYBOT_KEY", "app-secret")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"workflow": {
			"apiKey": "${TEST_RELAYBOT_KEY}",
			"apiBase": "${TEST_RELAYBOT_BASE:-http://localhost/v1}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workflow.APIKey != "app-secret" || cfg.Workflow.APIBase != "http://localhost/v1" {
		t.Fatalf("unexpected workflow config %+v", cfg.Workflow)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "workflow.answerKey")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "answer" {
		t.Fatalf("expected 'answer', got %v", val)
	}

	val, err = GetByPath(cfg, "telegram.parseModes.1")
	if err != nil || val != "MarkdownV2" {
		t.Fatalf("array index: %v, %v", val, err)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "workflow.apiBase", "http://dify:5001/v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Workflow.APIBase != "http://dify:5001/v1" {
		t.Fatalf("unexpected %q", cfg.Workflow.APIBase)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegraph.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Telegraph.Enabled {
		t.Fatal("expected telegraph.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "media.maxAgeHours", "48"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Media.MaxAgeHours != 48 {
		t.Fatalf("expected 48, got %d", cfg.Media.MaxAgeHours)
	}
}

func TestSetByPath_ListFromCommaSeparated(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegram.parseModes", "HTML, Markdown"); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if len(cfg.Telegram.ParseModes) != 2 || cfg.Telegram.ParseModes[0] != "HTML" {
		t.Fatalf("unexpected parse modes %v", cfg.Telegram.ParseModes)
	}
}

func TestSetByPath_NumericStringStaysString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegram.token", "123456"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	if cfg.Telegram.Token != "123456" {
		t.Fatalf("unexpected token %q", cfg.Telegram.Token)
	}
}

func TestSetByPath_OmittedField(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.logFile", "/var/log/relaybot.log"); err != nil {
		t.Fatalf("set omitted field: %v", err)
	}
	if cfg.General.LogFile != "/var/log/relaybot.log" {
		t.Fatalf("unexpected log file %q", cfg.General.LogFile)
	}
}

func TestSetByPath_RejectsUnknownKey(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "workflow.apiBsae", "x"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestSetByPath_BadValueLeavesConfigUntouched(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegraph.enabled", "maybe"); err == nil {
		t.Fatal("expected error for non-boolean value")
	}
	if !cfg.Telegraph.Enabled {
		t.Fatal("config should be unchanged after a failed set")
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Workflow.APIKey = "app-1234567890abcdefghijklmnop"
	cfg.Telegraph.AccessToken = "telegraph-token-123456"

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.Token == cfg.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Workflow.APIKey == cfg.Workflow.APIKey {
		t.Fatal("workflow API key should be masked")
	}
	if sanitized.Telegraph.AccessToken == cfg.Telegraph.AccessToken {
		t.Fatal("telegraph token should be masked")
	}
	if cfg.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Telegram.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Telegram.Token)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"general.dataDir", "media.jpegQuality", "metrics.listen"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[0] != "hello" || list[2] != "world" {
		t.Fatal("string items mismatch")
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestChatIDs_SkipsInvalid(t *testing.T) {
	tc := TelegramConfig{AllowChats: FlexStringList{" 12 ", "x", "-5"}}
	ids := tc.ChatIDs()
	if len(ids) != 2 || ids[0] != 12 || ids[1] != -5 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	t.Setenv("MY_PORT", "9090")
	t.Setenv("EMPTY_VAR", "")
	os.Unsetenv("NONEXISTENT_VAR_12345")

	tests := []struct{ in, want string }{
		{`{"apiKey": "${TEST_API_KEY}"}`, `{"apiKey": "sk-abc123"}`},
		{`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`, `{"port": "8080"}`},
		{`{"port": "${MY_PORT:-8080}"}`, `{"port": "9090"}`},
		{`"${NONEXISTENT_VAR_12345}"`, `"${NONEXISTENT_VAR_12345}"`},
		{`"${EMPTY_VAR:-fallback}"`, `"fallback"`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if strings.Join(cfg.Telegram.ParseModes, ",") != "Markdown,MarkdownV2,HTML" {
		t.Fatalf("unexpected default parse modes %v", cfg.Telegram.ParseModes)
	}
}
