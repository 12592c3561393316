package config

import (
	"embed"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed settings.yaml
var settingsYAML embed.FS

// Portal endpoints. The public site serves the operator-facing pages; the
// api host is the JSON backend the site itself talks to.
const (
	WebBaseURL = "https://buscador.mercadopublico.cl"
	APIBaseURL = "https://api.buscador.mercadopublico.cl"

	// Host fragment matched against outgoing browser requests when
	// capturing session credentials.
	APIHostFragment = "api.buscador"

	// Fixed user agent. Must stay in sync with the browser context used to
	// capture the session token, otherwise the API rejects the session.
	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
)

// Scraping limits.
const (
	RequestTimeoutSeconds = 15
	DetailTimeoutSeconds  = 10
	PageSafetyCap         = 600
	PageDelayMillis       = 500
	DetailDelayMillis     = 50
)

// Business constants.
const (
	// Flat bonus applied when the status text mentions a second call.
	SecondCallBonus = 5

	// Retention rules: "Publicada" rows whose effective close date is older
	// than the grace period get relabeled locally; untracked non-published
	// rows older than the retention window get deleted.
	SoftCloseGraceDays  = 14
	HardDeleteAfterDays = 30

	// Selective refresh never sweeps further back than this many days.
	CandidateWindowFloorDays = 5
)

// Settings are the operator tunables, loaded from the embedded settings.yaml
// with ${ENV} expansion, same mechanism as the source registry.
type Settings struct {
	DateWindowDays int `yaml:"date_window_days"`
	MaxPages       int `yaml:"max_pages"`
	DetailMinScore int `yaml:"detail_min_score"`
	ListMinScore   int `yaml:"list_min_score"`
}

func LoadSettings() (*Settings, error) {
	data, err := settingsYAML.ReadFile("settings.yaml")
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	s := &Settings{}
	if err := yaml.Unmarshal([]byte(expanded), s); err != nil {
		return nil, err
	}

	if s.DateWindowDays <= 0 {
		s.DateWindowDays = 7
	}
	if s.DetailMinScore <= 0 {
		s.DetailMinScore = 10
	}
	if s.ListMinScore <= 0 {
		s.ListMinScore = 5
	}

	return s, nil
}

// Headless reports whether the credential-capture browser should run
// headless. Defaults to true; set HEADLESS=false to watch it work.
func Headless() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("HEADLESS")))
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// PortalAPIKey returns the optional static x-api-key fallback used before a
// browser session has been captured.
func PortalAPIKey() string {
	return strings.TrimSpace(os.Getenv("PORTAL_API_KEY"))
}
