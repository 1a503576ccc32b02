package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultTimezone   = "America/Los_Angeles"
	DefaultLumaAPI    = "https://api2.luma.com"
	DefaultLumaWeb    = "https://luma.com"
	DefaultAgentURL   = "https://api.anthropic.com"
	DefaultAgentModel = "claude-sonnet-4-20250514"
	DefaultCron       = "0 */6 * * *"

	// APIKeyEnv is consulted before agent.api_key.
	APIKeyEnv   = "LUMA_ANTHROPIC_API_KEY"
	CacheDirEnv = "LUMA_CACHE_DIR"
	ConfigEnv   = "LUMA_CONFIG"
)

var shortcutNameRe = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" toml:"url" json:"url"`
	// ID is the source id events from this feed carry.
	ID string `yaml:"id" toml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name,omitempty" toml:"name,omitempty" json:"name,omitempty"`
}

// CalendarConfig is a Luma calendar page. CalendarAPIID is resolved from the
// page when empty.
type CalendarConfig struct {
	Slug          string `yaml:"slug" toml:"slug" json:"slug"`
	CalendarAPIID string `yaml:"calendar_api_id,omitempty" toml:"calendar_api_id,omitempty" json:"calendar_api_id,omitempty"`
}

// LumaConfig configures the Luma discover/calendar adapter.
type LumaConfig struct {
	Disabled        bool             `yaml:"disabled,omitempty" toml:"disabled,omitempty" json:"disabled,omitempty"`
	BaseURL         string           `yaml:"base_url" toml:"base_url" json:"base_url"`
	WebURL          string           `yaml:"web_url" toml:"web_url" json:"web_url"`
	Latitude        string           `yaml:"latitude" toml:"latitude" json:"latitude"`
	Longitude       string           `yaml:"longitude" toml:"longitude" json:"longitude"`
	Categories      []string         `yaml:"categories" toml:"categories" json:"categories"`
	Calendars       []CalendarConfig `yaml:"calendars" toml:"calendars" json:"calendars"`
	PaginationLimit int              `yaml:"pagination_limit" toml:"pagination_limit" json:"pagination_limit"`
	RequestDelayMs  int              `yaml:"request_delay_ms" toml:"request_delay_ms" json:"request_delay_ms"`
	HTTPRetries     int              `yaml:"http_retries" toml:"http_retries" json:"http_retries"`
}

type SourcesConfig struct {
	Luma LumaConfig  `yaml:"luma" toml:"luma" json:"luma"`
	ICS  []ICSConfig `yaml:"ics" toml:"ics" json:"ics"`
}

// StorageConfig selects the blob store backend for the event cache and
// seen-state. Driver is "file" or "sqlite".
type StorageConfig struct {
	Driver string `yaml:"driver" toml:"driver" json:"driver"`
	// Path is a directory for "file" and a database file for "sqlite".
	// Empty means a default under CacheDir.
	Path string `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty"`
	// Compress toggles zstd compression of stored blobs.
	Compress bool `yaml:"compress" toml:"compress" json:"compress"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level" json:"level"`
	File  string `yaml:"file,omitempty" toml:"file,omitempty" json:"file,omitempty"`
}

type QueryConfig struct {
	DefaultDays  int    `yaml:"default_days" toml:"default_days" json:"default_days"`
	DefaultLimit int    `yaml:"default_limit" toml:"default_limit" json:"default_limit"`
	DefaultSort  string `yaml:"default_sort" toml:"default_sort" json:"default_sort"`
	StaleHours   int    `yaml:"stale_hours" toml:"stale_hours" json:"stale_hours"`
}

type RefreshConfig struct {
	WindowDays           int    `yaml:"window_days" toml:"window_days" json:"window_days"`
	MaxInFlight          int    `yaml:"max_in_flight" toml:"max_in_flight" json:"max_in_flight"`
	SourceTimeoutSeconds int    `yaml:"source_timeout_seconds" toml:"source_timeout_seconds" json:"source_timeout_seconds"`
	Retries              int    `yaml:"retries" toml:"retries" json:"retries"`
	Cron                 string `yaml:"cron" toml:"cron" json:"cron"`
}

type AgentConfig struct {
	APIKey             string `yaml:"api_key,omitempty" toml:"api_key,omitempty" json:"-"`
	BaseURL            string `yaml:"base_url" toml:"base_url" json:"base_url"`
	Model              string `yaml:"model" toml:"model" json:"model"`
	MaxTokens          int    `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	MaxIterations      int    `yaml:"max_iterations" toml:"max_iterations" json:"max_iterations"`
	FormatRetries      int    `yaml:"format_retries" toml:"format_retries" json:"format_retries"`
	MaxParallelTools   int    `yaml:"max_parallel_tools" toml:"max_parallel_tools" json:"max_parallel_tools"`
	TurnTimeoutSeconds int    `yaml:"turn_timeout_seconds" toml:"turn_timeout_seconds" json:"turn_timeout_seconds"`
	LLMTimeoutSeconds  int    `yaml:"llm_timeout_seconds" toml:"llm_timeout_seconds" json:"llm_timeout_seconds"`
	LLMRetries         int    `yaml:"llm_retries" toml:"llm_retries" json:"llm_retries"`
	ToolResultTokens   int    `yaml:"tool_result_tokens" toml:"tool_result_tokens" json:"tool_result_tokens"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the serve API.
type BasicAuthConfig struct {
	Username string `yaml:"username" toml:"username" json:"username"`
	Password string `yaml:"password" toml:"password" json:"password"`
}

type ServeConfig struct {
	// Listen is the HTTP listen address for the serve API.
	Listen string `yaml:"listen" toml:"listen" json:"listen"`
	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" toml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA timezone used for date windows, hour filters and display.
	Timezone string `yaml:"timezone" toml:"timezone" json:"timezone"`

	// CacheDir holds the event cache, seen-state and ICS HTTP cache.
	CacheDir string `yaml:"cache_dir" toml:"cache_dir" json:"cache_dir"`

	// APIKey is accepted at the top level for older TOML configs; it is
	// folded into Agent.APIKey by Normalize.
	APIKey string `yaml:"api_key,omitempty" toml:"api_key,omitempty" json:"-"`

	Storage StorageConfig `yaml:"storage" toml:"storage" json:"storage"`
	Log     LogConfig     `yaml:"log" toml:"log" json:"log"`
	Query   QueryConfig   `yaml:"query" toml:"query" json:"query"`
	Refresh RefreshConfig `yaml:"refresh" toml:"refresh" json:"refresh"`
	Agent   AgentConfig   `yaml:"agent" toml:"agent" json:"agent"`
	Sources SourcesConfig `yaml:"sources" toml:"sources" json:"sources"`
	Serve   ServeConfig   `yaml:"serve" toml:"serve" json:"serve"`

	// Shortcuts maps a name to CLI arguments, run with `luma sc <name>`.
	Shortcuts map[string][]string `yaml:"shortcuts,omitempty" toml:"shortcuts,omitempty" json:"shortcuts,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Storage: StorageConfig{Driver: "file", Compress: true},
		Sources: SourcesConfig{
			Luma: LumaConfig{
				Categories: []string{"ai", "tech", "sf"},
				Calendars: []CalendarConfig{
					{Slug: "genai-sf", CalendarAPIID: "cal-JTdFQadEz0AOxyV"},
					{Slug: "frontiertower", CalendarAPIID: "cal-Sl7q1nHTRXQzjP2"},
					{Slug: "sf-hardware-meetup", CalendarAPIID: "cal-tFAzNGOZ9xn6kT2"},
					{Slug: "deepmind", CalendarAPIID: "cal-7Q5A70Bz5Idxopu"},
					{Slug: "genai-collective", CalendarAPIID: "cal-E74MDlDKBaeAwXK"},
					{Slug: "sfaiengineers", CalendarAPIID: "cal-EmYs2kgt1D9Gb27"},
					{Slug: "datadoghq", CalendarAPIID: "cal-58UTRXnfpeEA6ii"},
				},
			},
			ICS: []ICSConfig{},
		},
		Shortcuts: map[string][]string{
			"popular": {"--sort", "guest", "--min-guest", "100"},
			"weekend": {"--range", "weekend"},
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.CacheDir == "" {
		c.CacheDir = "~/.cache/luma"
	}
	if c.Agent.APIKey == "" && c.APIKey != "" {
		c.Agent.APIKey = c.APIKey
	}
	c.APIKey = ""

	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}

	q := &c.Query
	if q.DefaultDays <= 0 {
		q.DefaultDays = 14
	}
	if q.DefaultLimit <= 0 {
		q.DefaultLimit = 100
	}
	if q.DefaultSort == "" {
		q.DefaultSort = "date"
	}
	if q.StaleHours <= 0 {
		q.StaleHours = 12
	}

	r := &c.Refresh
	if r.WindowDays <= 0 {
		r.WindowDays = 30
	}
	if r.MaxInFlight <= 0 {
		r.MaxInFlight = 4
	}
	if r.SourceTimeoutSeconds <= 0 {
		r.SourceTimeoutSeconds = 120
	}
	if r.Retries < 0 {
		r.Retries = 0
	}
	if r.Cron == "" {
		r.Cron = DefaultCron
	}

	a := &c.Agent
	if a.BaseURL == "" {
		a.BaseURL = DefaultAgentURL
	}
	if a.Model == "" {
		a.Model = DefaultAgentModel
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 4096
	}
	if a.MaxIterations <= 0 {
		a.MaxIterations = 5
	}
	if a.FormatRetries < 0 {
		a.FormatRetries = 0
	}
	if a.MaxParallelTools <= 0 {
		a.MaxParallelTools = 10
	}
	if a.TurnTimeoutSeconds <= 0 {
		a.TurnTimeoutSeconds = 90
	}
	if a.LLMTimeoutSeconds <= 0 {
		a.LLMTimeoutSeconds = 60
	}
	if a.LLMRetries < 0 {
		a.LLMRetries = 0
	}
	if a.ToolResultTokens <= 0 {
		a.ToolResultTokens = 20000
	}

	l := &c.Sources.Luma
	if l.BaseURL == "" {
		l.BaseURL = DefaultLumaAPI
	}
	if l.WebURL == "" {
		l.WebURL = DefaultLumaWeb
	}
	if l.Latitude == "" {
		l.Latitude = "37.33939"
	}
	if l.Longitude == "" {
		l.Longitude = "-121.89496"
	}
	if l.PaginationLimit <= 0 {
		l.PaginationLimit = 50
	}
	if l.RequestDelayMs < 0 {
		l.RequestDelayMs = 0
	}
	if l.HTTPRetries <= 0 {
		l.HTTPRetries = 5
	}
	if c.Sources.ICS == nil {
		c.Sources.ICS = []ICSConfig{}
	}
	for i := range c.Sources.ICS {
		src := &c.Sources.ICS[i]
		if src.ID == "" {
			src.ID = src.Name
		}
	}

	if c.Serve.Listen == "" {
		c.Serve.Listen = "127.0.0.1:8080"
	}
}

// Validate reports the first configuration problem that would make the
// application misbehave at runtime.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: storage.driver %q: must be file or sqlite", c.Storage.Driver)
	}
	switch c.Query.DefaultSort {
	case "date", "guest":
	default:
		return fmt.Errorf("config: query.default_sort %q: must be date or guest", c.Query.DefaultSort)
	}
	if _, err := cron.ParseStandard(c.Refresh.Cron); err != nil {
		return fmt.Errorf("config: refresh.cron %q: %w", c.Refresh.Cron, err)
	}

	seen := make(map[string]bool)
	if !c.Sources.Luma.Disabled {
		seen["luma"] = true
	}
	for i, src := range c.Sources.ICS {
		if src.URL == "" {
			return fmt.Errorf("config: sources.ics[%d]: url is required", i)
		}
		if src.ID == "" {
			return fmt.Errorf("config: sources.ics[%d]: id is required", i)
		}
		if strings.Contains(src.ID, "/") {
			return fmt.Errorf("config: sources.ics[%d]: id %q must not contain '/'", i, src.ID)
		}
		if seen[src.ID] {
			return fmt.Errorf("config: sources.ics[%d]: duplicate source id %q", i, src.ID)
		}
		seen[src.ID] = true
	}
	for i, cal := range c.Sources.Luma.Calendars {
		if cal.Slug == "" {
			return fmt.Errorf("config: sources.luma.calendars[%d]: slug is required", i)
		}
	}

	for _, name := range c.ShortcutNames() {
		if !shortcutNameRe.MatchString(name) {
			return fmt.Errorf("config: shortcut name %q is invalid, use only letters, digits, and hyphens", name)
		}
		if len(c.Shortcuts[name]) == 0 {
			return fmt.Errorf("config: shortcut %q must be a non-empty list of arguments", name)
		}
	}
	return nil
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolvedCacheDir returns CacheDir with a leading "~" expanded and the
// LUMA_CACHE_DIR override applied.
func (c *Config) ResolvedCacheDir() string {
	if v := os.Getenv(CacheDirEnv); v != "" {
		return ExpandHome(v)
	}
	return ExpandHome(c.CacheDir)
}

// ResolvedAPIKey prefers the environment over the config file.
func (c *Config) ResolvedAPIKey() string {
	if v := strings.TrimSpace(os.Getenv(APIKeyEnv)); v != "" {
		return v
	}
	return strings.TrimSpace(c.Agent.APIKey)
}

// ShortcutNames returns the configured shortcut names in sorted order.
func (c *Config) ShortcutNames() []string {
	names := make([]string, 0, len(c.Shortcuts))
	for name := range c.Shortcuts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultPath is ~/.luma/config.yaml unless LUMA_CONFIG is set.
func DefaultPath() string {
	if v := os.Getenv(ConfigEnv); v != "" {
		return ExpandHome(v)
	}
	return ExpandHome("~/.luma/config.yaml")
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load loads configuration from the given YAML (or .toml) path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read and unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: malformed %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML, or TOML for a .toml path.
//   - Writes atomically via a temp file + rename with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// WriteFileAtomic writes data to a temp file in the target's directory and
// renames it over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".luma-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
