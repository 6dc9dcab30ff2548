package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"

	DefaultURL       = "http://localhost:3000/auth/login"
	DefaultOutputDir = "jules-scratch/verification"
	DefaultConfig    = "pageverify.json"
)

// Check is one navigate-and-assert flow: where to go, what must become
// visible, and where the evidence is written.
type Check struct {
	Name            string
	URL             string
	Role            string
	AccessibleName  string
	Screenshot      string
	ErrorScreenshot string
	NavigateTimeout time.Duration
	VisibleTimeout  time.Duration
	SettleDelay     time.Duration
}

var presets = map[string]Check{
	"login": {
		Name:            "login",
		URL:             DefaultURL,
		Role:            "heading",
		AccessibleName:  "Welcome back",
		Screenshot:      "verification.png",
		ErrorScreenshot: "error.png",
		NavigateTimeout: 30 * time.Second,
		VisibleTimeout:  20 * time.Second,
		SettleDelay:     1 * time.Second,
	},
	"dashboard": {
		Name:            "dashboard",
		URL:             DefaultURL,
		Role:            "heading",
		AccessibleName:  "Welcome back",
		Screenshot:      "login-page.png",
		ErrorScreenshot: "error.png",
		NavigateTimeout: 30 * time.Second,
		VisibleTimeout:  5 * time.Second,
	},
}

// Preset returns a copy of the named built-in check.
func Preset(name string) (Check, bool) {
	c, ok := presets[name]
	return c, ok
}

// PresetNames lists the built-in checks in a stable order.
func PresetNames() []string {
	return []string{"login", "dashboard"}
}

type RuntimeConfig struct {
	Check            Check
	OutputDir        string
	Driver           string
	Headless         bool
	CdpURL           string
	ChromeBinary     string
	ChromeExtraFlags string
	WindowWidth      int
	WindowHeight     int
	FullPage         bool
	NoAnimations     bool
	Report           bool
	Debug            bool
	ConfigPath       string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envMillisOr reads a non-negative millisecond count.
func envMillisOr(key string, fallback time.Duration) time.Duration {
	n := envIntOr(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

// ParseWindow parses "WIDTHxHEIGHT".
func ParseWindow(s string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("window %q: want WIDTHxHEIGHT", s)
	}
	wi, err := strconv.Atoi(w)
	if err != nil || wi <= 0 {
		return 0, 0, fmt.Errorf("window %q: bad width", s)
	}
	hi, err := strconv.Atoi(h)
	if err != nil || hi <= 0 {
		return 0, 0, fmt.Errorf("window %q: bad height", s)
	}
	return wi, hi, nil
}

// FileConfig is the on-disk shape, JSON or YAML depending on the extension.
type FileConfig struct {
	Check        string `json:"check,omitempty" yaml:"check,omitempty"`
	URL          string `json:"url,omitempty" yaml:"url,omitempty"`
	Role         string `json:"role,omitempty" yaml:"role,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	OutputDir    string `json:"outputDir,omitempty" yaml:"outputDir,omitempty"`
	Screenshot   string `json:"screenshot,omitempty" yaml:"screenshot,omitempty"`
	Driver       string `json:"driver,omitempty" yaml:"driver,omitempty"`
	Headless     *bool  `json:"headless,omitempty" yaml:"headless,omitempty"`
	CdpURL       string `json:"cdpUrl,omitempty" yaml:"cdpUrl,omitempty"`
	ChromeBinary string `json:"chromeBinary,omitempty" yaml:"chromeBinary,omitempty"`
	NavigateMs   int    `json:"navigateMs,omitempty" yaml:"navigateMs,omitempty"`
	VisibleMs    int    `json:"visibleMs,omitempty" yaml:"visibleMs,omitempty"`
	SettleMs     *int   `json:"settleMs,omitempty" yaml:"settleMs,omitempty"`
	NoAnimations bool   `json:"noAnimations,omitempty" yaml:"noAnimations,omitempty"`
	FullPage     *bool  `json:"fullPage,omitempty" yaml:"fullPage,omitempty"`
	Window       string `json:"window,omitempty" yaml:"window,omitempty"`
	Report       *bool  `json:"report,omitempty" yaml:"report,omitempty"`
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ReadFile decodes a config file. A missing file yields (nil, nil).
func ReadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc FileConfig
	if isYAML(path) {
		err = yaml.Unmarshal(data, &fc)
	} else {
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

// Load is LoadFor with the check chosen by VERIFY_CHECK, the config file, or "login".
func Load() (*RuntimeConfig, error) {
	return LoadFor("")
}

// LoadFor builds the effective configuration. Precedence, lowest first:
// the check preset, the config file, environment variables.
func LoadFor(check string) (*RuntimeConfig, error) {
	configPath := envOr("VERIFY_CONFIG", DefaultConfig)
	fc, err := ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	name := check
	if name == "" {
		name = os.Getenv("VERIFY_CHECK")
	}
	if name == "" && fc != nil {
		name = fc.Check
	}
	if name == "" {
		name = "login"
	}
	preset, ok := Preset(name)
	if !ok {
		return nil, fmt.Errorf("unknown check %q (want one of %s)", name, strings.Join(PresetNames(), ", "))
	}

	cfg := &RuntimeConfig{
		Check:        preset,
		OutputDir:    DefaultOutputDir,
		Driver:       DriverChromedp,
		Headless:     true,
		WindowWidth:  1280,
		WindowHeight: 720,
		FullPage:     true,
		Report:       true,
		ConfigPath:   configPath,
	}

	if fc != nil {
		if err := cfg.applyFile(fc); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RuntimeConfig) applyFile(fc *FileConfig) error {
	if fc.URL != "" {
		c.Check.URL = fc.URL
	}
	if fc.Role != "" {
		c.Check.Role = fc.Role
	}
	if fc.Name != "" {
		c.Check.AccessibleName = fc.Name
	}
	if fc.Screenshot != "" {
		c.Check.Screenshot = fc.Screenshot
	}
	if fc.OutputDir != "" {
		c.OutputDir = fc.OutputDir
	}
	if fc.Driver != "" {
		c.Driver = fc.Driver
	}
	if fc.Headless != nil {
		c.Headless = *fc.Headless
	}
	if fc.CdpURL != "" {
		c.CdpURL = fc.CdpURL
	}
	if fc.ChromeBinary != "" {
		c.ChromeBinary = fc.ChromeBinary
	}
	if fc.NavigateMs > 0 {
		c.Check.NavigateTimeout = time.Duration(fc.NavigateMs) * time.Millisecond
	}
	if fc.VisibleMs > 0 {
		c.Check.VisibleTimeout = time.Duration(fc.VisibleMs) * time.Millisecond
	}
	if fc.SettleMs != nil && *fc.SettleMs >= 0 {
		c.Check.SettleDelay = time.Duration(*fc.SettleMs) * time.Millisecond
	}
	if fc.NoAnimations {
		c.NoAnimations = true
	}
	if fc.FullPage != nil {
		c.FullPage = *fc.FullPage
	}
	if fc.Report != nil {
		c.Report = *fc.Report
	}
	if fc.Window != "" {
		w, h, err := ParseWindow(fc.Window)
		if err != nil {
			return err
		}
		c.WindowWidth, c.WindowHeight = w, h
	}
	return nil
}

func (c *RuntimeConfig) applyEnv() error {
	c.Check.URL = envOr("VERIFY_URL", c.Check.URL)
	c.OutputDir = envOr("VERIFY_OUTPUT_DIR", c.OutputDir)
	c.Driver = envOr("VERIFY_DRIVER", c.Driver)
	c.Headless = envBoolOr("VERIFY_HEADLESS", c.Headless)
	c.CdpURL = envOr("CDP_URL", c.CdpURL)
	c.ChromeBinary = envOr("CHROME_BINARY", c.ChromeBinary)
	c.ChromeExtraFlags = envOr("CHROME_FLAGS", c.ChromeExtraFlags)
	c.Check.NavigateTimeout = envMillisOr("VERIFY_NAV_TIMEOUT_MS", c.Check.NavigateTimeout)
	c.Check.VisibleTimeout = envMillisOr("VERIFY_VISIBLE_TIMEOUT_MS", c.Check.VisibleTimeout)
	c.Check.SettleDelay = envMillisOr("VERIFY_SETTLE_MS", c.Check.SettleDelay)
	c.NoAnimations = envBoolOr("VERIFY_NO_ANIMATIONS", c.NoAnimations)
	c.FullPage = envBoolOr("VERIFY_FULL_PAGE", c.FullPage)
	c.Report = envBoolOr("VERIFY_REPORT", c.Report)
	c.Debug = envBoolOr("VERIFY_DEBUG", c.Debug)

	if v := os.Getenv("VERIFY_WINDOW"); v != "" {
		w, h, err := ParseWindow(v)
		if err != nil {
			return err
		}
		c.WindowWidth, c.WindowHeight = w, h
	}
	return nil
}

func (c *RuntimeConfig) Validate() error {
	switch c.Driver {
	case DriverChromedp, DriverRod:
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, DriverChromedp, DriverRod)
	}
	if c.Check.URL == "" {
		return fmt.Errorf("url required")
	}
	if c.Check.Role == "" || c.Check.AccessibleName == "" {
		return fmt.Errorf("role and accessible name required")
	}
	if c.Check.Screenshot == "" || c.Check.ErrorScreenshot == "" {
		return fmt.Errorf("screenshot names required")
	}
	if c.Check.Screenshot == c.Check.ErrorScreenshot {
		return fmt.Errorf("screenshot and error screenshot must differ")
	}
	if c.Check.NavigateTimeout <= 0 || c.Check.VisibleTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir required")
	}
	return nil
}

func DefaultFileConfig() FileConfig {
	h := true
	fp := true
	settle := 1000
	return FileConfig{
		Check:      "login",
		URL:        DefaultURL,
		OutputDir:  DefaultOutputDir,
		Driver:     DriverChromedp,
		Headless:   &h,
		NavigateMs: 30000,
		VisibleMs:  20000,
		SettleMs:   &settle,
		FullPage:   &fp,
		Window:     "1280x720",
	}
}

// WriteFile encodes fc as YAML or JSON depending on the extension of path.
func WriteFile(path string, fc FileConfig) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(fc)
	} else {
		data, err = json.MarshalIndent(fc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Print writes the effective configuration in a human-readable layout.
func (c *RuntimeConfig) Print(w io.Writer) {
	cdp := c.CdpURL
	if cdp == "" {
		cdp = "(launch)"
	}
	fmt.Fprintln(w, "Current configuration:")
	fmt.Fprintf(w, "  Config:     %s\n", c.ConfigPath)
	fmt.Fprintf(w, "  Check:      %s\n", c.Check.Name)
	fmt.Fprintf(w, "  URL:        %s\n", c.Check.URL)
	fmt.Fprintf(w, "  Expect:     %s %q\n", c.Check.Role, c.Check.AccessibleName)
	fmt.Fprintf(w, "  Output:     %s\n", c.OutputDir)
	fmt.Fprintf(w, "  Screenshot: %s (error: %s)\n", c.Check.Screenshot, c.Check.ErrorScreenshot)
	fmt.Fprintf(w, "  Driver:     %s\n", c.Driver)
	fmt.Fprintf(w, "  CDP URL:    %s\n", cdp)
	fmt.Fprintf(w, "  Headless:   %v\n", c.Headless)
	fmt.Fprintf(w, "  Window:     %dx%d (full page: %v)\n", c.WindowWidth, c.WindowHeight, c.FullPage)
	fmt.Fprintf(w, "  Timeouts:   navigate=%v visible=%v settle=%v\n",
		c.Check.NavigateTimeout, c.Check.VisibleTimeout, c.Check.SettleDelay)
}
