// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package config loads the connector configuration.
//
// Values are layered, later layers overriding earlier ones:
//
//  1. built-in defaults
//  2. an optional YAML file
//  3. environment variables, including those read from a .env file
//
// The result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Store backends.
const (
	Elasticsearch = "elasticsearch"
	Postgres      = "postgres"
)

// Config is the full connector configuration.
type Config struct {
	Kafka      Kafka      `koanf:"kafka"`
	Store      Store      `koanf:"store"`
	Enrichment Enrichment `koanf:"enrichment"`
	Pipeline   Pipeline   `koanf:"pipeline"`
	Quarantine Quarantine `koanf:"quarantine"`
	Ops        Ops        `koanf:"ops"`
	OTel       OTel       `koanf:"otel"`
}

// TLS
type TLS struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `koanf:"key_file" validate:"required_with=CertFile"`
}

// Kafka configures the consumer group.
type Kafka struct {
	Brokers          []string      `koanf:"brokers" validate:"required,min=1,dive,required"`
	GroupID          string        `koanf:"group_id" validate:"required"`
	Topics           []string      `koanf:"topics" validate:"required,min=1,dive,required"`
	ResetOffset      string        `koanf:"reset_offset" validate:"oneof=earliest latest"`
	SessionTimeout   time.Duration `koanf:"session_timeout" validate:"gt=0"`
	RebalanceTimeout time.Duration `koanf:"rebalance_timeout" validate:"gt=0"`
	FetchMaxBytes    int32         `koanf:"fetch_max_bytes" validate:"gt=0"`
	MaxPollRecords   int           `koanf:"max_poll_records" validate:"gt=0"`
	Concurrency      int           `koanf:"concurrency" validate:"gt=0"`
	MaxAttempts      int           `koanf:"max_attempts" validate:"gt=0"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	TLS              TLS           `koanf:"tls"`
}

// ElasticsearchStore
type ElasticsearchStore struct {
	Hosts           []string `koanf:"hosts" validate:"dive,url"`
	Index           string   `koanf:"index" validate:"required"`
	RetryOnConflict int      `koanf:"retry_on_conflict" validate:"gte=0"`
	Refresh         string   `koanf:"refresh" validate:"omitempty,oneof=true false wait_for"`
	EnsureIndex     bool     `koanf:"ensure_index"`
}

// PostgresStore
type PostgresStore struct {
	URL     string `koanf:"url"`
	Table   string `koanf:"table" validate:"required"`
	Migrate bool   `koanf:"migrate"`
}

// Store selects and configures the document store.
type Store struct {
	Backend       string             `koanf:"backend" validate:"oneof=elasticsearch postgres"`
	Elasticsearch ElasticsearchStore `koanf:"elasticsearch"`
	Postgres      PostgresStore      `koanf:"postgres"`
}

// Enrichment configures the enrichment services and how they are called.
type Enrichment struct {
	TargetLanguage      string   `koanf:"target_language" validate:"required"`
	TranslateURL        string   `koanf:"translate_url" validate:"required,url"`
	TranslateEnglishURL string   `koanf:"translate_english_url" validate:"omitempty,url"`
	SentimentURL        string   `koanf:"sentiment_url" validate:"required,url"`
	NERURL              string   `koanf:"ner_url" validate:"required,url"`
	EnrichedSources     []string `koanf:"enriched_sources"`
	EntityThreshold     float64  `koanf:"entity_threshold" validate:"gte=0,lte=1"`
	NestedEntities      bool     `koanf:"nested_entities"`

	Timeout            time.Duration `koanf:"timeout" validate:"gt=0"`
	BreakerFailures    uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout" validate:"gt=0"`
}

// Pipeline
type Pipeline struct {
	DeferThreshold      int           `koanf:"defer_threshold" validate:"gte=0"`
	DeferredConcurrency int           `koanf:"deferred_concurrency" validate:"gt=0"`
	DeferredJobTimeout  time.Duration `koanf:"deferred_job_timeout" validate:"gt=0"`
	DeferredBacklog     int           `koanf:"deferred_backlog" validate:"gte=0"`
}

// MinIO
type MinIO struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Secure    bool   `koanf:"secure"`
	Bucket    string `koanf:"bucket" validate:"required"`
}

// Quarantine configures where unprocessable records are kept. Records are
// only logged when no MinIO endpoint is set.
type Quarantine struct {
	MinIO MinIO `koanf:"minio"`
}

// Ops configures the health check server.
type Ops struct {
	Addr string `koanf:"addr" validate:"required"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Kafka: Kafka{
			GroupID:          "avdoc-group",
			Topics:           []string{"av-scrapper-topic"},
			ResetOffset:      "latest",
			SessionTimeout:   45 * time.Second,
			RebalanceTimeout: 60 * time.Second,
			FetchMaxBytes:    50 << 20,
			MaxPollRecords:   500,
			Concurrency:      20,
			MaxAttempts:      5,
			ShutdownTimeout:  30 * time.Second,
		},
		Store: Store{
			Backend: Elasticsearch,
			Elasticsearch: ElasticsearchStore{
				Index:           "av_docs",
				RetryOnConflict: 3,
				EnsureIndex:     true,
			},
			Postgres: PostgresStore{
				Table:   "av_docs",
				Migrate: true,
			},
		},
		Enrichment: Enrichment{
			TargetLanguage: "ar",
			EnrichedSources: []string{
				"CNN",
				"BBCNews",
				"RTARABICHD",
				"France24",
				"Aljazeera",
				"ArabNews",
				"KuwaitFM",
				"KuwaitRadio1",
				"KuwaitRadio2",
				"SkyNewsArabiaHD",
			},
			EntityThreshold:    0.3,
			NestedEntities:     true,
			Timeout:            30 * time.Second,
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Pipeline: Pipeline{
			DeferThreshold:      32 << 10,
			DeferredConcurrency: 4,
			DeferredJobTimeout:  2 * time.Minute,
			DeferredBacklog:     64,
		},
		Quarantine: Quarantine{
			MinIO: MinIO{
				Bucket: "avconnector-quarantine",
			},
		},
		Ops: Ops{
			Addr: ":8090",
		},
		OTel: defaultOTel(),
	}
}

// envPrefix namespaces every configuration key in the environment, e.g.
// AVCONNECTOR_KAFKA__MAX_ATTEMPTS sets kafka.max_attempts.
const envPrefix = "AVCONNECTOR_"

// envAliases are the well known variable names used by existing deployments.
var envAliases = map[string]string{
	"KAFKA_BROKERS":        "kafka.brokers",
	"KAFKA_GROUP_ID":       "kafka.group_id",
	"KAFKA_TOPIC":          "kafka.topics",
	"ELASTICSEARCH_HOSTS":  "store.elasticsearch.hosts",
	"ELASTICSEARCH_HOST":   "store.elasticsearch.hosts",
	"DATABASE_URL":         "store.postgres.url",
	"TRANSLATION_URL":      "enrichment.translate_url",
	"TRANSLATION_EN_URL":   "enrichment.translate_english_url",
	"SENTIMENT_URL":        "enrichment.sentiment_url",
	"NER_URL":              "enrichment.ner_url",
	"MINIO_ENDPOINT":       "quarantine.minio.endpoint",
	"MINIO_ACCESS_KEY":     "quarantine.minio.access_key",
	"MINIO_SECRET_KEY":     "quarantine.minio.secret_key",
	"OTEL_SERVICE_NAME":    "otel.resource.service_name",
	"OTEL_SERVICE_VERSION": "otel.resource.service_version",
	"AVCONNECTOR_OPS_ADDR": "ops.addr",
}

func envKey(key string) string {
	if path, ok := envAliases[key]; ok {
		return path
	}
	if !strings.HasPrefix(key, envPrefix) {
		return ""
	}
	key = strings.TrimPrefix(key, envPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// listPaths are the keys which may be given as comma separated strings.
var listPaths = []string{
	"kafka.brokers",
	"kafka.topics",
	"store.elasticsearch.hosts",
	"enrichment.enriched_sources",
}

func splitLists(k *koanf.Koanf) error {
	for _, path := range listPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		parts := strings.Split(s, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				items = append(items, p)
			}
		}

		err := k.Set(path, items)
		if err != nil {
			return fmt.Errorf("split %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the configuration. An empty path skips the YAML layer. A .env
// file in the working directory, if present, is loaded into the environment
// without overriding variables which are already set.
func Load(path string) (Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	return load(path)
}

func load(path string) (Config, error) {
	k := koanf.New(".")

	defaults := Default()
	err := k.Load(structs.Provider(&defaults, "koanf"), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		err = k.Load(file.Provider(path), yaml.Parser())
		if err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err = k.Load(env.Provider("", ".", envKey), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	err = splitLists(k)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	err = k.Unmarshal("", &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate reports every invalid field along with the checks which span
// sections.
func (c Config) Validate() error {
	var errs []error

	err := getValidator().Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: failed %q check", fe.Namespace(), fe.Tag()))
		}
	} else if err != nil {
		errs = append(errs, err)
	}

	switch c.Store.Backend {
	case Elasticsearch:
		if len(c.Store.Elasticsearch.Hosts) == 0 {
			errs = append(errs, errors.New("store.elasticsearch.hosts: required by the elasticsearch backend"))
		}
	case Postgres:
		if c.Store.Postgres.URL == "" {
			errs = append(errs, errors.New("store.postgres.url: required by the postgres backend"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
}
