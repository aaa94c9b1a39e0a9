package main

import (
	"context"
	"time"

	"github.com/caarlos0/env/v6"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/pdslot"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/pdstore/pdfsstore"
	"github.com/brandur/passdrop/internal/pdstore/pdgcpstoragestore"
	"github.com/brandur/passdrop/internal/pdstore/pdmemorystore"
	"github.com/brandur/passdrop/internal/pdstore/pds3store"
	"github.com/brandur/passdrop/internal/pdstore/pdsqlstore"
)

const defaultPort = 4434

// Storage backends selectable with `STORE`.
const (
	StoreFS       = "fs"
	StoreGCS      = "gcs"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreS3       = "s3"
	StoreSQLite   = "sqlite"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

type Config struct {
	DeniedPasscodes  []string      `env:"DENIED_PASSCODES" envSeparator:","`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	MaxContentSize   int64         `env:"MAX_CONTENT_SIZE" envDefault:"52428800"`
	Port             int           `env:"PORT" envDefault:"4434"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5m"`
	Retention        time.Duration `env:"RETENTION" envDefault:"2h"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepParallelism int           `env:"SWEEP_PARALLELISM" envDefault:"4"`

	Store    string `env:"STORE" envDefault:"fs"`
	StoreDir string `env:"STORE_DIR" envDefault:"uploaded_files"`

	GCSBucket             string `env:"GCS_BUCKET"`
	GCSServiceAccountJSON string `env:"GCS_SERVICE_ACCOUNT_JSON"`

	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3Bucket          string `env:"S3_BUCKET"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3Prefix          string `env:"S3_PREFIX"`
	S3Region          string `env:"S3_REGION"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`

	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"passdrop.sqlite3"`
}

// parseConfig reads configuration from the environment and validates it.
func parseConfig() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, xerrors.Errorf("error parsing env config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, xerrors.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c, //nolint:wrapcheck
		validation.Field(&c.LogFormat, validation.In(LogFormatJSON, LogFormatText)),
		validation.Field(&c.LogLevel, validation.By(func(value any) error {
			_, err := logrus.ParseLevel(value.(string))
			return err //nolint:wrapcheck
		})),
		validation.Field(&c.MaxContentSize, validation.Min(int64(0))),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.RequestTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Retention, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.SweepInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.SweepParallelism, validation.Required, validation.Min(1)),

		validation.Field(&c.Store, validation.Required,
			validation.In(StoreFS, StoreGCS, StoreMemory, StorePostgres, StoreS3, StoreSQLite)),
		validation.Field(&c.StoreDir, validation.When(c.Store == StoreFS, validation.Required)),
		validation.Field(&c.GCSBucket, validation.When(c.Store == StoreGCS, validation.Required)),
		validation.Field(&c.S3Bucket, validation.When(c.Store == StoreS3, validation.Required)),
		validation.Field(&c.S3SecretAccessKey,
			validation.When(c.Store == StoreS3 && c.S3AccessKeyID != "", validation.Required)),
		validation.Field(&c.SQLitePath, validation.When(c.Store == StoreSQLite, validation.Required)),
		validation.Field(&c.DatabaseURL, validation.When(c.Store == StorePostgres, validation.Required)),
	)
}

// newLogger returns a logger configured per LOG_LEVEL and LOG_FORMAT. Config
// is assumed to have been validated.
func newLogger(config *Config) *logrus.Logger {
	logger := logrus.New()

	if level, err := logrus.ParseLevel(config.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if config.LogFormat == LogFormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger
}

// newStore initializes the storage backend selected by STORE. The returned
// function releases any resources it holds and should be called on shutdown.
func newStore(ctx context.Context, logger *logrus.Logger, config *Config) (pdstore.SlotStore, func() error, error) {
	noopClose := func() error { return nil }

	switch config.Store {
	case StoreFS:
		store, err := pdfsstore.NewFSStore(logger, config.StoreDir)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck
		}
		return store, noopClose, nil

	case StoreGCS:
		store, err := pdgcpstoragestore.NewGCPStorageStore(ctx, logger, config.GCSServiceAccountJSON, config.GCSBucket)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck
		}
		return store, store.Close, nil

	case StoreMemory:
		return pdmemorystore.NewMemoryStore(logger), noopClose, nil

	case StorePostgres:
		store, err := pdsqlstore.NewPostgresStore(ctx, logger, config.DatabaseURL)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck
		}
		return store, store.Close, nil

	case StoreS3:
		store, err := pds3store.NewS3Store(ctx, logger, &pds3store.Config{
			AccessKeyID:     config.S3AccessKeyID,
			Bucket:          config.S3Bucket,
			Endpoint:        config.S3Endpoint,
			Prefix:          config.S3Prefix,
			Region:          config.S3Region,
			SecretAccessKey: config.S3SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err //nolint:wrapcheck
		}
		return store, noopClose, nil

	case StoreSQLite:
		store, err := pdsqlstore.NewSQLiteStore(ctx, logger, config.SQLitePath)
		if err != nil {
			return nil, nil, err //nolint:wrapcheck
		}
		return store, store.Close, nil
	}

	return nil, nil, xerrors.Errorf("unknown store %q", config.Store)
}

// newService builds the slot service over the configured backend.
func newService(ctx context.Context, logger *logrus.Logger, config *Config) (*pdslot.Service, func() error, error) {
	store, closeStore, err := newStore(ctx, logger, config)
	if err != nil {
		return nil, nil, xerrors.Errorf("error initializing %s store: %w", config.Store, err)
	}

	return pdslot.NewService(logger, store, pdslot.NewRetention(config.Retention), config.MaxContentSize),
		closeStore, nil
}
