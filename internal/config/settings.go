package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Keys are the recognized settings in the order they are written.
var Keys = []string{
	"SERVICE_PLATFORM",
	"SYSTEM_PLATFORM",
	"TRANSCRIPTIONS_BUTTON",
	"TRANSLATIONS_BUTTON",
	"CONVERT_TO_SIMPLIFIED",
	"ADD_SYMBOL",
	"OPTIMIZE_RESULT",
	"KEEP_ORIGINAL_CLIPBOARD",
	"GROQ_API_KEY",
	"GROQ_BASE_URL",
	"GROQ_ADD_SYMBOL_MODEL",
	"GROQ_OPTIMIZE_RESULT_MODEL",
	"SILICONFLOW_API_KEY",
	"SILICONFLOW_TRANSLATE_MODEL",
}

// Defaults apply to keys absent from the settings file.
var Defaults = map[string]string{
	"SERVICE_PLATFORM":            "siliconflow",
	"SYSTEM_PLATFORM":             "win",
	"TRANSCRIPTIONS_BUTTON":       "f2",
	"TRANSLATIONS_BUTTON":         "shift",
	"CONVERT_TO_SIMPLIFIED":       "true",
	"ADD_SYMBOL":                  "true",
	"OPTIMIZE_RESULT":             "false",
	"KEEP_ORIGINAL_CLIPBOARD":     "true",
	"GROQ_API_KEY":                "",
	"GROQ_BASE_URL":               "https://api.groq.com/openai/v1",
	"GROQ_ADD_SYMBOL_MODEL":       "llama-3.3-70b-versatile",
	"GROQ_OPTIMIZE_RESULT_MODEL":  "llama-3.3-70b-versatile",
	"SILICONFLOW_API_KEY":         "",
	"SILICONFLOW_TRANSLATE_MODEL": "THUDM/glm-4-9b-chat",
}

var (
	ErrUnknownSetting    = errors.New("unknown setting")
	ErrInvalidSetting    = errors.New("invalid setting value")
	ErrSettingsMissing   = errors.New("settings file not found")
	ErrCredentialMissing = errors.New("api key not configured")
)

var (
	booleanKeys = map[string]bool{
		"CONVERT_TO_SIMPLIFIED":   true,
		"ADD_SYMBOL":              true,
		"OPTIMIZE_RESULT":         true,
		"KEEP_ORIGINAL_CLIPBOARD": true,
	}
	secretKeys = map[string]bool{
		"GROQ_API_KEY":        true,
		"SILICONFLOW_API_KEY": true,
	}
	choices = map[string][]string{
		"SERVICE_PLATFORM": {"siliconflow", "groq"},
		"SYSTEM_PLATFORM":  {"win", "mac"},
	}
)

// Settings holds the worker's .env values for the recognized keys.
type Settings struct {
	values map[string]string
}

// NewSettings returns the defaults.
func NewSettings() *Settings {
	s := &Settings{values: make(map[string]string, len(Keys))}
	for k, v := range Defaults {
		s.values[k] = v
	}
	return s
}

// LoadSettings reads path. A missing file yields the defaults; unknown keys are
// ignored; booleans are normalized to lowercase true/false.
func LoadSettings(path string) (*Settings, error) {
	s := NewSettings()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	for _, k := range Keys {
		if !v.IsSet(k) {
			continue
		}
		val := v.GetString(k)
		if booleanKeys[k] {
			val = normalizeBool(val)
		}
		s.values[k] = val
	}
	return s, nil
}

func normalizeBool(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), "true") {
		return "true"
	}
	return "false"
}

// Get returns the value of a recognized key, or "" for anything else.
func (s *Settings) Get(key string) string { return s.values[key] }

// Set validates and stores a value.
func (s *Settings) Set(key, value string) error {
	if _, ok := Defaults[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}
	if booleanKeys[key] && value != "true" && value != "false" {
		return fmt.Errorf("%w: %s must be true or false, got %q", ErrInvalidSetting, key, value)
	}
	if opts, ok := choices[key]; ok && !contains(opts, value) {
		return fmt.Errorf("%w: %s must be one of %s, got %q", ErrInvalidSetting, key, strings.Join(opts, ", "), value)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %s must be a single line", ErrInvalidSetting, key)
	}
	s.values[key] = value
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Values returns a copy of every recognized key.
func (s *Settings) Values() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Masked is Values with API keys hidden except for their last four characters.
func (s *Settings) Masked() map[string]string {
	out := s.Values()
	for k := range secretKeys {
		out[k] = mask(out[k])
	}
	return out
}

func mask(v string) string {
	switch {
	case v == "":
		return ""
	case len(v) <= 8:
		return "****"
	default:
		return "****" + v[len(v)-4:]
	}
}

// CredentialKey is the API key the selected platform needs.
func (s *Settings) CredentialKey() string {
	if s.Get("SERVICE_PLATFORM") == "siliconflow" {
		return "SILICONFLOW_API_KEY"
	}
	return "GROQ_API_KEY"
}

// CheckCredentials fails with ErrCredentialMissing when the selected
// platform's API key is blank.
func (s *Settings) CheckCredentials() error {
	key := s.CredentialKey()
	if strings.TrimSpace(s.Get(key)) == "" {
		return fmt.Errorf("%w: set %s in the settings file", ErrCredentialMissing, key)
	}
	return nil
}

// LoadForStart reads the settings for a worker start: the file must exist and
// the selected platform's API key must be set.
func LoadForStart(path string) (*Settings, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSettingsMissing, path)
		}
		return nil, fmt.Errorf("stat settings %s: %w", path, err)
	}
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if err := s.CheckCredentials(); err != nil {
		return nil, err
	}
	return s, nil
}

// SaveSettings rewrites recognized keys in place, keeps every other line
// verbatim and appends recognized keys the file did not contain. The file is
// replaced atomically.
func SaveSettings(path string, s *Settings) error {
	existing, err := os.ReadFile(filepath.Clean(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read settings %s: %w", path, err)
	}

	var buf bytes.Buffer
	written := make(map[string]bool, len(Keys))
	sc := bufio.NewScanner(bytes.NewReader(existing))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		key := lineKey(line)
		if _, ok := Defaults[key]; ok {
			buf.WriteString(key + "=" + s.values[key] + "\n")
			written[key] = true
			continue
		}
		buf.WriteString(line + "\n")
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan settings %s: %w", path, err)
	}
	for _, k := range Keys {
		if !written[k] {
			buf.WriteString(k + "=" + s.values[k] + "\n")
		}
	}
	return writeFileAtomic(path, buf.Bytes())
}

// lineKey returns the key of a KEY=VALUE line, or "" for comments and other text.
func lineKey(line string) string {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return ""
	}
	key := strings.TrimSpace(line[:i])
	key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
	if strings.HasPrefix(key, "#") {
		return ""
	}
	return key
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save settings %s: %w", path, err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save settings %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save settings %s: %w", path, err)
	}
	if fi, err := os.Stat(path); err == nil {
		_ = os.Chmod(name, fi.Mode().Perm())
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("save settings %s: %w", path, err)
	}
	return nil
}
