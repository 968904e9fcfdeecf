package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string
	TURNPort  int
	TURNRealm string
	JWTSecret string
	DBPath    string
	VAPIDKeys *VAPIDKeys

	// MediaServerURL is handed to clients inside call credentials.
	MediaServerURL string

	// Coin rates per minute.
	AudioRate int64
	VideoRate int64

	// HTTPOnly disables TLS; FrontendURI is required with it for CORS.
	HTTPOnly    bool
	FrontendURI string
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load builds the config from config.json next to the executable (if any),
// environment variables and flags. Secrets are never stored in config.json:
// the JWT secret and VAPID keys live in the keys directory and are generated
// on first start.
func Load(httpOnly *bool) *Config {
	cfg := &Config{
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		HTTPSPort:      getEnv("HTTPS_PORT", "8443"),
		Domain:         getEnv("DOMAIN", "localhost"),
		TURNPort:       getEnvInt("TURN_PORT", 3478),
		TURNRealm:      getEnv("TURN_REALM", "loqui"),
		DBPath:         getEnv("DB_PATH", "loqui.db"),
		MediaServerURL: getEnv("MEDIA_SERVER_URL", ""),
		AudioRate:      int64(getEnvInt("AUDIO_RATE", 10)),
		VideoRate:      int64(getEnvInt("VIDEO_RATE", 20)),
		FrontendURI:    getEnv("FRONTEND_URI", ""),
	}

	if fileCfg, err := loadFromJSON(); err == nil {
		applyFile(cfg, fileCfg)
	}

	if httpOnly != nil {
		cfg.HTTPOnly = *httpOnly
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadVAPIDKeys()

	return cfg
}

type fileConfig struct {
	HTTPPort       string `json:"http_port"`
	HTTPSPort      string `json:"https_port"`
	Domain         string `json:"domain"`
	TURNPort       int    `json:"turn_port"`
	TURNRealm      string `json:"turn_realm"`
	DBPath         string `json:"db_path"`
	MediaServerURL string `json:"media_server_url"`
	AudioRate      int64  `json:"audio_rate"`
	VideoRate      int64  `json:"video_rate"`
	FrontendURI    string `json:"frontend_uri"`
}

func loadFromJSON() (*fileConfig, error) {
	data, err := os.ReadFile(configFilePath())
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.HTTPSPort != "" {
		cfg.HTTPSPort = fc.HTTPSPort
	}
	if fc.Domain != "" {
		cfg.Domain = fc.Domain
	}
	if fc.TURNPort != 0 {
		cfg.TURNPort = fc.TURNPort
	}
	if fc.TURNRealm != "" {
		cfg.TURNRealm = fc.TURNRealm
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.MediaServerURL != "" {
		cfg.MediaServerURL = fc.MediaServerURL
	}
	if fc.AudioRate > 0 {
		cfg.AudioRate = fc.AudioRate
	}
	if fc.VideoRate > 0 {
		cfg.VideoRate = fc.VideoRate
	}
	if fc.FrontendURI != "" {
		cfg.FrontendURI = fc.FrontendURI
	}
}

func configFilePath() string {
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
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

func generateRandomSecret() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return base64.URLEncoding.EncodeToString(bytes)
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")

	if secretData, err := os.ReadFile(secretFile); err == nil {
		secret := strings.TrimSpace(string(secretData))
		if secret != "" {
			return secret
		}
	}

	secret := generateRandomSecret()

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
			fmt.Println("Secret will be regenerated on next restart unless set via JWT_SECRET")
		}
	}

	return secret
}

func loadVAPIDKeys() *VAPIDKeys {
	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")

	if publicKey != "" && privateKey != "" {
		return &VAPIDKeys{
			PublicKey:  publicKey,
			PrivateKey: privateKey,
			Subject:    getEnv("VAPID_SUBJECT", "mailto:admin@loqui.app"),
		}
	}

	keysDir := keysDirectory()
	publicKeyFile := filepath.Join(keysDir, "vapid-public.key")
	privateKeyFile := filepath.Join(keysDir, "vapid-private.key")
	subjectFile := filepath.Join(keysDir, "vapid-subject.key")

	if publicKeyData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateKeyData, err := os.ReadFile(privateKeyFile); err == nil {
			publicKey = strings.TrimSpace(string(publicKeyData))
			privateKey = strings.TrimSpace(string(privateKeyData))

			// The webpush library expects the raw 32-byte private key, not
			// PKCS#8. Regenerate anything else.
			decodedPrivate, err := base64.RawURLEncoding.DecodeString(privateKey)
			if err == nil && len(decodedPrivate) == 32 {
				subject := getEnv("VAPID_SUBJECT", "mailto:admin@loqui.app")
				if subjectData, err := os.ReadFile(subjectFile); err == nil {
					subject = strings.TrimSpace(string(subjectData))
				}
				return &VAPIDKeys{
					PublicKey:  publicKey,
					PrivateKey: privateKey,
					Subject:    subject,
				}
			}

			fmt.Println("WARNING: stored VAPID private key has unexpected format, regenerating")
			os.Remove(publicKeyFile)
			os.Remove(privateKeyFile)
			os.Remove(subjectFile)
		}
	}

	privateKeyECDSA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}

	// Uncompressed public key: 0x04 prefix, then X and Y.
	publicKeyBytes := make([]byte, 65)
	publicKeyBytes[0] = 0x04
	privateKeyECDSA.PublicKey.X.FillBytes(publicKeyBytes[1:33])
	privateKeyECDSA.PublicKey.Y.FillBytes(publicKeyBytes[33:65])
	uncompressedPublicKey := base64.RawURLEncoding.EncodeToString(publicKeyBytes)

	privateKeyBytes := make([]byte, 32)
	privateKeyECDSA.D.FillBytes(privateKeyBytes)
	privateKeyBase64 := base64.RawURLEncoding.EncodeToString(privateKeyBytes)

	subject := getEnv("VAPID_SUBJECT", "mailto:admin@loqui.app")

	if err := saveVAPIDKeys(keysDir, uncompressedPublicKey, privateKeyBase64, subject); err != nil {
		fmt.Printf("Warning: failed to save VAPID keys: %v\n", err)
	}

	return &VAPIDKeys{
		PublicKey:  uncompressedPublicKey,
		PrivateKey: privateKeyBase64,
		Subject:    subject,
	}
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func saveVAPIDKeys(keysDir, publicKey, privateKey, subject string) error {
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-public.key"), []byte(publicKey), 0600); err != nil {
		return fmt.Errorf("failed to save public key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-private.key"), []byte(privateKey), 0600); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "vapid-subject.key"), []byte(subject), 0600); err != nil {
		return fmt.Errorf("failed to save subject: %w", err)
	}
	return nil
}
