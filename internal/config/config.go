package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`

	// HTTPOnly disables TLS entirely, for running behind a fronting proxy.
	HTTPOnly    bool   `json:"http_only"`
	FrontendURI string `json:"frontend_uri"`

	TURNPort  int    `json:"turn_port"`
	TURNRealm string `json:"turn_realm"`

	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	// Per-connection inbound event rate limit.
	EventRate  float64 `json:"event_rate"`
	EventBurst int     `json:"event_burst"`

	// How long a call invitation may ring before it times out.
	RingTimeout time.Duration `json:"-"`

	JWTSecret string     `json:"-"`
	VAPIDKeys *VAPIDKeys `json:"-"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load builds configuration from config.json next to the executable (if
// present) merged with environment variables, and loads or generates the
// secrets kept under the keys directory.
func Load(httpOnly *bool) *Config {
	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		HTTPSPort:   getEnv("HTTPS_PORT", "8443"),
		Domain:      getEnv("DOMAIN", "localhost"),
		FrontendURI: getEnv("FRONTEND_URI", ""),
		TURNPort:    getEnvInt("TURN_PORT", 3478),
		TURNRealm:   getEnv("TURN_REALM", "chatline"),
		DBPath:      getEnv("DB_PATH", "chatline.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		EventRate:   getEnvFloat("EVENT_RATE", 20),
		EventBurst:  getEnvInt("EVENT_BURST", 40),
		RingTimeout: time.Duration(getEnvInt("RING_TIMEOUT_SECONDS", 45)) * time.Second,
	}

	if fileCfg, err := loadConfigFile(); err == nil {
		mergeConfigFile(cfg, fileCfg)
		fmt.Println("NOTE: custom configuration loaded from config.json")
	}

	if httpOnly != nil && *httpOnly {
		cfg.HTTPOnly = true
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()

	return cfg
}

// KeysDirectory is where generated secrets (JWT, VAPID, TURN) persist,
// next to the executable so restarts keep the same identity.
func KeysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

// CertsDirectory caches Let's Encrypt certificates across restarts.
func CertsDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "certs"
	}
	return filepath.Join(filepath.Dir(execPath), "certs")
}

func loadConfigFile() (*Config, error) {
	path := "config.json"
	if execPath, err := os.Executable(); err == nil {
		path = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &cfg, nil
}

// mergeConfigFile overlays non-zero file values on top of env/defaults.
func mergeConfigFile(cfg, file *Config) {
	if file.HTTPPort != "" {
		cfg.HTTPPort = file.HTTPPort
	}
	if file.HTTPSPort != "" {
		cfg.HTTPSPort = file.HTTPSPort
	}
	if file.Domain != "" {
		cfg.Domain = file.Domain
	}
	if file.HTTPOnly {
		cfg.HTTPOnly = true
	}
	if file.FrontendURI != "" {
		cfg.FrontendURI = file.FrontendURI
	}
	if file.TURNPort != 0 {
		cfg.TURNPort = file.TURNPort
	}
	if file.TURNRealm != "" {
		cfg.TURNRealm = file.TURNRealm
	}
	if file.DBPath != "" {
		cfg.DBPath = file.DBPath
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.EventRate != 0 {
		cfg.EventRate = file.EventRate
	}
	if file.EventBurst != 0 {
		cfg.EventBurst = file.EventBurst
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := KeysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	b := make([]byte, 32)
	rand.Read(b)
	secret := base64.URLEncoding.EncodeToString(b)

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
		}
	}
	return secret
}

func loadOrGenerateVAPIDKeys() *VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@chatline.app")

	if pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"); pub != "" && priv != "" {
		return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}
	}

	keysDir := KeysDirectory()
	publicFile := filepath.Join(keysDir, "vapid-public.key")
	privateFile := filepath.Join(keysDir, "vapid-private.key")

	if pub, err := os.ReadFile(publicFile); err == nil {
		if priv, err := os.ReadFile(privateFile); err == nil {
			return &VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(pub)),
				PrivateKey: strings.TrimSpace(string(priv)),
				Subject:    subject,
			}
		}
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(publicFile, []byte(pub), 0600)
		_ = os.WriteFile(privateFile, []byte(priv), 0600)
	} else {
		fmt.Printf("Warning: failed to save VAPID keys: %v\n", err)
	}

	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}
}
