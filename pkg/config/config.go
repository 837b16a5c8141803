// Package config loads the core's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every knob the core consults. Loaded once at worker start;
// treat the value as an immutable snapshot.
type Config struct {
	Port     string
	LogLevel string

	// Workflow engine
	TaskQueue                string
	WorkflowExecutionTimeout time.Duration
	WorkflowRunTimeout       time.Duration
	WorkflowTaskTimeout      time.Duration
	ActivityMaxConcurrency   int
	WorkflowMaxConcurrency   int
	DrainGracePeriod         time.Duration
	ReminderInterval         time.Duration

	// Committee
	CommitteeN                   int
	CommitteePool                []string
	CommitteeTimeout             time.Duration
	CommitteeMinUsable           int
	CommitteeConsensusThreshold  float64
	CommitteeConfidenceThreshold float64
	CommitteeWeightsPath         string
	CommitteeSampleCap           int

	// Matching
	MatcherFuzzyThreshold float64
	MatcherAmbiguityGap   float64
	MatcherCacheTTL       time.Duration

	// Parser
	ParserFormulaPolicy string
	ArithmeticTolerance float64

	// Catalog
	CatalogRegion             string
	CatalogOrgID              string
	CatalogGTINFieldID        string
	CatalogIdempotencyFieldID string
	CatalogTenantRPS          int

	// Fingerprint
	FingerprintBucketGranularity string

	// Storage
	EvidenceBackend      string // memory | fs | s3 | gcs
	EvidenceRoot         string
	EvidenceBucket       string
	EvidenceRegion       string
	EvidenceEndpoint     string
	EventLogDSN          string // sqlite path or "memory"
	CaseStoreDSN         string
	OutboxDSN            string // postgres DSN, empty disables the durable outbox
	RedisAddr            string // empty disables the redis cache/idempotency tier
	LargePayloadLimit    int
	RetentionDaysAudit   int
	RetentionDaysOrig    int
	PresignSigningSecret string
}

// Load reads configuration from the environment. A local .env file, when
// present, seeds variables that are not already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		TaskQueue:                getenv("WORKFLOW_TASK_QUEUE", "order-processing"),
		WorkflowExecutionTimeout: duration("WORKFLOW_EXECUTION_TIMEOUT", 24*time.Hour),
		WorkflowRunTimeout:       duration("WORKFLOW_RUN_TIMEOUT", 12*time.Hour),
		WorkflowTaskTimeout:      duration("WORKFLOW_TASK_TIMEOUT", 60*time.Second),
		ActivityMaxConcurrency:   integer("ACTIVITY_MAX_CONCURRENCY", 20),
		WorkflowMaxConcurrency:   integer("WORKFLOW_MAX_CONCURRENCY", 10),
		DrainGracePeriod:         duration("DRAIN_GRACE_PERIOD", 30*time.Second),
		ReminderInterval:         duration("REMINDER_INTERVAL", 4*time.Hour),

		CommitteeN:                   integer("COMMITTEE_N", 3),
		CommitteePool:                list("COMMITTEE_POOL"),
		CommitteeTimeout:             duration("COMMITTEE_TIMEOUT_MS", 30*time.Second),
		CommitteeMinUsable:           integer("COMMITTEE_MIN_USABLE", 2),
		CommitteeConsensusThreshold:  float("COMMITTEE_CONSENSUS_THRESHOLD", 0.66),
		CommitteeConfidenceThreshold: float("COMMITTEE_CONFIDENCE_THRESHOLD", 0.75),
		CommitteeWeightsPath:         getenv("COMMITTEE_WEIGHTS_PATH", ""),
		CommitteeSampleCap:           integer("COMMITTEE_SAMPLE_CAP", 5),

		MatcherFuzzyThreshold: float("MATCHER_FUZZY_THRESHOLD", 0.75),
		MatcherAmbiguityGap:   float("MATCHER_AMBIGUITY_GAP", 0.10),
		MatcherCacheTTL:       duration("MATCHER_CACHE_TTL", time.Hour),

		ParserFormulaPolicy: getenv("PARSER_FORMULA_POLICY", "strict"),
		ArithmeticTolerance: float("ARITHMETIC_TOLERANCE", 0.01),

		CatalogRegion:             getenv("CATALOG_REGION", "COM"),
		CatalogOrgID:              getenv("CATALOG_ORG_ID", ""),
		CatalogGTINFieldID:        getenv("CATALOG_GTIN_FIELD_ID", ""),
		CatalogIdempotencyFieldID: getenv("CATALOG_IDEMPOTENCY_FIELD_ID", ""),
		CatalogTenantRPS:          integer("CATALOG_TENANT_RPS", 5),

		FingerprintBucketGranularity: getenv("FINGERPRINT_BUCKET_GRANULARITY", "day"),

		EvidenceBackend:      getenv("EVIDENCE_BACKEND", "fs"),
		EvidenceRoot:         getenv("EVIDENCE_ROOT", "data/evidence"),
		EvidenceBucket:       getenv("EVIDENCE_BUCKET", ""),
		EvidenceRegion:       getenv("EVIDENCE_REGION", "us-east-1"),
		EvidenceEndpoint:     getenv("EVIDENCE_ENDPOINT", ""),
		EventLogDSN:          getenv("EVENT_LOG_DSN", "data/eventlog.db"),
		CaseStoreDSN:         getenv("CASE_STORE_DSN", "data/cases.db"),
		OutboxDSN:            getenv("OUTBOX_DSN", ""),
		RedisAddr:            getenv("REDIS_ADDR", ""),
		LargePayloadLimit:    integer("EVENT_LARGE_PAYLOAD_KB", 64) * 1024,
		RetentionDaysAudit:   integer("RETENTION_DAYS_AUDIT", 1825),
		RetentionDaysOrig:    integer("RETENTION_DAYS_ORIGINAL", 1825),
		PresignSigningSecret: getenv("PRESIGN_SIGNING_SECRET", ""),
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	if c.RetentionDaysAudit < 1825 {
		return fmt.Errorf("RETENTION_DAYS_AUDIT must be at least 1825, got %d", c.RetentionDaysAudit)
	}
	if c.RetentionDaysOrig < 1825 {
		return fmt.Errorf("RETENTION_DAYS_ORIGINAL must be at least 1825, got %d", c.RetentionDaysOrig)
	}
	switch c.FingerprintBucketGranularity {
	case "hour", "day", "week", "month":
	default:
		return fmt.Errorf("FINGERPRINT_BUCKET_GRANULARITY must be hour|day|week|month, got %q", c.FingerprintBucketGranularity)
	}
	switch c.CatalogRegion {
	case "EU", "COM", "IN", "AU", "JP":
	default:
		return fmt.Errorf("CATALOG_REGION must be one of EU|COM|IN|AU|JP, got %q", c.CatalogRegion)
	}
	if c.CommitteeMinUsable > c.CommitteeN {
		return fmt.Errorf("COMMITTEE_MIN_USABLE (%d) exceeds COMMITTEE_N (%d)", c.CommitteeMinUsable, c.CommitteeN)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func integer(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func float(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// duration accepts Go duration strings; *_MS keys also accept bare
// millisecond integers for compatibility with older deployments.
func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func list(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
