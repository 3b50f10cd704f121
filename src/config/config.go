package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig carries every tunable the service reads at startup. Values come
// from the environment, optionally seeded by a .env file during development.
type AppConfig struct {
	// Core settings
	Port         string
	DatabasePath string
	LogLevel     string

	// Security settings
	JWTSecret      string
	InternalAPIKey string
	AccessTokenTTL time.Duration

	// Provider (Daraja) settings
	MpesaEnabled            bool
	MpesaEnv                string
	MpesaBaseURL            string
	MpesaConsumerKey        string
	MpesaConsumerSecret     string
	MpesaPasskey            string
	MpesaShortcode          string
	MpesaSTKShortcode       string
	MpesaB2CShortcode       string
	MpesaB2BShortcode       string
	MpesaInitiatorName      string
	MpesaSecurityCredential string
	MpesaInitiatorPassword  string
	MpesaCertPath           string
	MpesaResultBaseURL      string
	MpesaTimeoutBaseURL     string
	MpesaWebhookSecret      string
	MpesaB2BPaybillType     int
	MpesaB2BBuygoodsType    int
	MpesaHTTPTimeout        time.Duration

	// Quote and limit settings
	QuoteTTL         time.Duration
	KesPerUsd        float64
	MaxTxnKes        float64
	MaxDailyKes      float64
	PinMinLength     int
	SignatureMaxAge  time.Duration
	AutoRefund       bool
	RequireFunding   bool
	MinConfirmations uint64
	ReconcileMaxAge  time.Duration

	// Treasury (on-chain) settings
	TreasuryRPCURL          string
	TreasuryChainID         int64
	TreasuryTokenContract   string
	TreasuryTokenDecimals   int
	TreasuryPlatformAddress string
	TreasuryPrivateKey      string
	TreasuryRefundEnabled   bool
	TreasuryWaitConfs       uint64

	// Rate limiting
	GlobalRatePerSecond float64
	GlobalRateBurst     int
	LegacyRateLimit     int
	LegacyRateWindow    time.Duration
}

// Cfg is the process-wide configuration. LoadConfig must run before it is read.
var Cfg *AppConfig

// LoadConfig populates Cfg from the environment. Missing required secrets
// terminate the process.
func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		errEnv = godotenv.Load("../.env")
	}
	switch {
	case errEnv == nil:
		log.Println("Loaded environment from .env file")
	case os.IsNotExist(errEnv):
		log.Println("No .env file found, using process environment")
	default:
		log.Printf("Could not read .env file (%v), using process environment", errEnv)
	}

	jwtSecret := getRequiredEnv("DOTPAY_BACKEND_JWT_SECRET")
	internalAPIKey := getRequiredEnv("DOTPAY_INTERNAL_API_KEY")

	mpesaEnv := strings.ToLower(getEnv("MPESA_ENV", "sandbox"))
	if mpesaEnv != "sandbox" && mpesaEnv != "production" {
		log.Printf("WARNING: Unknown MPESA_ENV %q, falling back to sandbox.", mpesaEnv)
		mpesaEnv = "sandbox"
	}

	Cfg = &AppConfig{
		// Core
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "./dotpay.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		// Security
		JWTSecret:      jwtSecret,
		InternalAPIKey: internalAPIKey,
		AccessTokenTTL: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 60*time.Minute),

		// Provider
		MpesaEnabled:            getEnvAsBool("MPESA_ENABLED", true),
		MpesaEnv:                mpesaEnv,
		MpesaBaseURL:            getEnv("MPESA_BASE_URL", ""),
		MpesaConsumerKey:        getEnv("MPESA_CONSUMER_KEY", ""),
		MpesaConsumerSecret:     getEnv("MPESA_CONSUMER_SECRET", ""),
		MpesaPasskey:            getEnv("MPESA_PASSKEY", ""),
		MpesaShortcode:          getEnv("MPESA_SHORTCODE", ""),
		MpesaSTKShortcode:       getEnv("MPESA_STK_SHORTCODE", ""),
		MpesaB2CShortcode:       getEnv("MPESA_B2C_SHORTCODE", ""),
		MpesaB2BShortcode:       getEnv("MPESA_B2B_SHORTCODE", ""),
		MpesaInitiatorName:      getEnv("MPESA_INITIATOR_NAME", ""),
		MpesaSecurityCredential: getEnv("MPESA_SECURITY_CREDENTIAL", ""),
		MpesaInitiatorPassword:  getEnv("MPESA_INITIATOR_PASSWORD", ""),
		MpesaCertPath:           getEnv("MPESA_CERT_PATH", ""),
		MpesaResultBaseURL:      getEnv("MPESA_RESULT_BASE_URL", ""),
		MpesaTimeoutBaseURL:     getEnv("MPESA_TIMEOUT_BASE_URL", ""),
		MpesaWebhookSecret:      getEnv("MPESA_WEBHOOK_SECRET", ""),
		MpesaB2BPaybillType:     getEnvAsInt("MPESA_B2B_PAYBILL_TYPE", 4),
		MpesaB2BBuygoodsType:    getEnvAsInt("MPESA_B2B_BUYGOODS_TYPE", 2),
		MpesaHTTPTimeout:        getEnvAsDuration("MPESA_HTTP_TIMEOUT", 30*time.Second),

		// Quotes and limits
		QuoteTTL:         time.Duration(getEnvAsInt("MPESA_QUOTE_TTL_SECONDS", 300)) * time.Second,
		KesPerUsd:        getEnvAsFloat("KES_PER_USD", 130),
		MaxTxnKes:        getEnvAsFloat("MPESA_MAX_TXN_KES", 150000),
		MaxDailyKes:      getEnvAsFloat("MPESA_MAX_DAILY_KES", 500000),
		PinMinLength:     getEnvAsInt("MPESA_PIN_MIN_LENGTH", 6),
		SignatureMaxAge:  time.Duration(getEnvAsInt("MPESA_SIGNATURE_MAX_AGE_SECONDS", 600)) * time.Second,
		AutoRefund:       getEnvAsBool("MPESA_AUTO_REFUND", true),
		RequireFunding:   getEnvAsBool("MPESA_REQUIRE_ONCHAIN_FUNDING", true),
		MinConfirmations: uint64(getEnvAsInt("MPESA_MIN_FUNDING_CONFIRMATIONS", 1)),
		ReconcileMaxAge:  time.Duration(getEnvAsInt("MPESA_RECONCILE_MAX_AGE_MINUTES", 30)) * time.Minute,

		// Treasury
		TreasuryRPCURL:          getEnv("TREASURY_RPC_URL", ""),
		TreasuryChainID:         int64(getEnvAsInt("TREASURY_CHAIN_ID", 8453)),
		TreasuryTokenContract:   getEnv("TREASURY_USDC_CONTRACT", ""),
		TreasuryTokenDecimals:   getEnvAsInt("TREASURY_USDC_DECIMALS", 6),
		TreasuryPlatformAddress: getEnv("TREASURY_PLATFORM_ADDRESS", ""),
		TreasuryPrivateKey:      getEnv("TREASURY_PRIVATE_KEY", ""),
		TreasuryRefundEnabled:   getEnvAsBool("TREASURY_REFUND_ENABLED", true),
		TreasuryWaitConfs:       uint64(getEnvAsInt("TREASURY_WAIT_CONFIRMATIONS", 1)),

		// Rate limiting
		GlobalRatePerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 20),
		GlobalRateBurst:     getEnvAsInt("RATE_LIMIT_BURST", 40),
		LegacyRateLimit:     getEnvAsInt("LEGACY_RATE_LIMIT", 10),
		LegacyRateWindow:    getEnvAsDuration("LEGACY_RATE_WINDOW", time.Minute),
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, MpesaEnv=%s, MpesaEnabled=%t",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.MpesaEnv, Cfg.MpesaEnabled)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getRequiredEnv exits the process when the variable is unset or blank. Used
// only for secrets that have no safe default.
func getRequiredEnv(key string) string {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		log.Fatalf("required environment variable %s is not set", key)
	}
	return value
}

func getEnvAsInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("%s=%q is not an integer, using %d", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("%s=%q is not a number, using %g", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("%s=%q is not a boolean, using %t", key, raw, fallback)
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("%s=%q is not a duration, using %s", key, raw, fallback)
		return fallback
	}
	return value
}
