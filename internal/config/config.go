package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DBPath       string
	InvoicesDir  string
	RawMailDir   string
	OutputDir    string
	BackupDir    string
	ReferenceDir string
	// ReferenceXLSX, when set, replaces the CSV directory as reference source.
	ReferenceXLSX string

	ArithmeticTolerance    string
	MaxInvoiceAgeDays      int
	MaxFutureDays          int
	SupplierFuzzyThreshold float64
	LineFuzzyThreshold     float64
	TaxRateMin             string
	TaxRateMax             string
	// Timezone is an IANA name for the business day; empty uses the host zone.
	Timezone string

	ProcessWorkers   int
	WatchIntervalSec int
	WatchMail        bool

	LogLevel  string
	LogFormat string

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost             string
	IMAPPort             int
	IMAPSecure           bool
	IMAPUser             string
	IMAPPassword         string
	IMAPMarkSeen         bool
	IMAPProcessedMailbox string

	MailProvider string
	MailLabel    string
	MailFetchMax int

	WebhookURL          string
	WebhookMethod       string
	WebhookHeadersJSON  string
	WebhookTemplatePath string
	WebhookTimeoutMs    int
	WebhookRateLimitRPS int

	BackupEnabled        bool
	BackupIntervalHours  int
	BackupRetentionCount int
	BackupGCSBucket      string
	BackupGCSPrefix      string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:        getEnv("DB_PATH", filepath.Join(cwd, "data", "pipeline.db")),
		InvoicesDir:   getEnv("INVOICES_DIR", filepath.Join(cwd, "invoices")),
		RawMailDir:    getEnv("MAIL_RAW_DIR", filepath.Join(cwd, "data", "raw")),
		OutputDir:     getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		BackupDir:     getEnv("BACKUP_DIR", filepath.Join(cwd, "backups")),
		ReferenceDir:  getEnv("REFERENCE_DIR", filepath.Join(cwd, "data", "reference")),
		ReferenceXLSX: getEnv("REFERENCE_XLSX", ""),

		ArithmeticTolerance:    getEnv("ARITHMETIC_TOLERANCE", "0.05"),
		MaxInvoiceAgeDays:      getEnvInt("MAX_INVOICE_AGE_DAYS", 90),
		MaxFutureDays:          getEnvInt("MAX_FUTURE_DAYS", 0),
		SupplierFuzzyThreshold: getEnvFloat("SUPPLIER_FUZZY_THRESHOLD", 85),
		LineFuzzyThreshold:     getEnvFloat("LINE_FUZZY_THRESHOLD", 70),
		TaxRateMin:             getEnv("TAX_RATE_MIN", "0"),
		TaxRateMax:             getEnv("TAX_RATE_MAX", "0.25"),
		Timezone:               getEnv("TIMEZONE", ""),

		ProcessWorkers:   getEnvInt("PROCESS_WORKERS", 4),
		WatchIntervalSec: getEnvInt("WATCH_INTERVAL_SEC", 30),
		WatchMail:        getEnvBool("WATCH_MAIL", false),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:             getEnv("IMAP_HOST", ""),
		IMAPPort:             getEnvInt("IMAP_PORT", 993),
		IMAPSecure:           getEnvBool("IMAP_SECURE", true),
		IMAPUser:             getEnv("IMAP_USER", ""),
		IMAPPassword:         getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen:         getEnvBool("IMAP_MARK_SEEN", true),
		IMAPProcessedMailbox: getEnv("IMAP_PROCESSED_MAILBOX", ""),

		MailProvider: getEnv("MAIL_PROVIDER", "imap"),
		MailLabel:    getEnv("MAIL_LABEL", "INBOX"),
		MailFetchMax: getEnvInt("MAIL_FETCH_MAX", 20),

		WebhookURL:          getEnv("WEBHOOK_EXPORT_URL", ""),
		WebhookMethod:       getEnv("WEBHOOK_EXPORT_METHOD", "POST"),
		WebhookHeadersJSON:  getEnv("WEBHOOK_EXPORT_HEADERS", ""),
		WebhookTemplatePath: getEnv("WEBHOOK_EXPORT_TEMPLATE", ""),
		WebhookTimeoutMs:    getEnvInt("WEBHOOK_EXPORT_TIMEOUT_MS", 30000),
		WebhookRateLimitRPS: getEnvInt("WEBHOOK_EXPORT_RATE_LIMIT_RPS", 5),

		BackupEnabled:        getEnvBool("BACKUP_ENABLED", true),
		BackupIntervalHours:  getEnvInt("BACKUP_INTERVAL_HOURS", 24),
		BackupRetentionCount: getEnvInt("BACKUP_RETENTION_COUNT", 7),
		BackupGCSBucket:      getEnv("BACKUP_GCS_BUCKET", ""),
		BackupGCSPrefix:      getEnv("BACKUP_GCS_PREFIX", "invoicematch/"),
	}

	if _, err := decimal.NewFromString(cfg.ArithmeticTolerance); err != nil {
		return Config{}, fmt.Errorf("ARITHMETIC_TOLERANCE: %w", err)
	}
	if _, err := decimal.NewFromString(cfg.TaxRateMin); err != nil {
		return Config{}, fmt.Errorf("TAX_RATE_MIN: %w", err)
	}
	if _, err := decimal.NewFromString(cfg.TaxRateMax); err != nil {
		return Config{}, fmt.Errorf("TAX_RATE_MAX: %w", err)
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
