// Package config defines the loader's configuration and how it is validated.
// Values come from a YAML file, DATALOADER_* environment variables and
// command-line flags; see the fileloader and viperloader packages.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

// MemoryConnection selects the in-process datastore.
const MemoryConnection = "memory://"

// TransportKind selects the messaging substrate between ranks.
type TransportKind string

const (
	TransportMemory TransportKind = "memory" // single process, size must be 1
	TransportGRPC   TransportKind = "grpc"
	TransportKafka  TransportKind = "kafka"
)

// Config represents the top-level configuration of one rank.
type Config struct {
	// Rank and Size place this process in the job. When not configured they
	// are discovered from the launcher's environment.
	Rank int `yaml:"rank" mapstructure:"rank" validate:"gte=0"`
	Size int `yaml:"size" mapstructure:"size" validate:"gte=1"`

	// Input is the file listing the files to load, one per line, or a YAML
	// manifest with a files list.
	Input string `yaml:"input" mapstructure:"input" validate:"required"`
	// Output is the dataset path, e.g. "runs/2024/nova".
	Output string `yaml:"output" mapstructure:"output" validate:"required"`
	// Connection is the datastore DSN: memory:// or a postgres URL.
	Connection string `yaml:"connection" mapstructure:"connection" validate:"required"`

	// Async flushes write batches only when full instead of after every file.
	Async bool `yaml:"async" mapstructure:"async"`
	// Threads is the number of files each rank processes concurrently.
	Threads int `yaml:"threads" mapstructure:"threads" validate:"gte=1"`
	// BatchSize is the number of writes grouped per datastore round trip;
	// 0 writes every operation through.
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=0"`
	Logging   string `yaml:"logging" mapstructure:"logging" validate:"oneof=trace debug info warn warning error critical off"`

	// RateLimit caps files started per second on each rank; 0 disables it.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gte=0"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`

	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
}

// TransportConfig selects and configures the transport.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind" mapstructure:"kind" validate:"oneof=memory grpc kafka"`
	// Peers lists the gRPC address of every rank, indexed by rank.
	Peers []string `yaml:"peers" mapstructure:"peers"`
	// Listen overrides the address this rank serves on.
	Listen         string        `yaml:"listen" mapstructure:"listen"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" validate:"gte=0"`
	Kafka          KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	// Topic must not exist before the job starts. Rank 0 creates it and
	// every rank consumes its partition from the oldest offset, so a
	// leftover topic is rejected.
	Topic string `yaml:"topic" mapstructure:"topic"`
}

// TelemetryConfig configures trace and metric export.
type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address; empty disables export.
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	Probability float64 `yaml:"probability" mapstructure:"probability" validate:"gte=0,lte=1"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
}

// HTTPConfig configures the health, metrics and debug server.
type HTTPConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Default returns the configuration used for every value not set explicitly.
func Default() Config {
	return Config{
		Size:            1,
		Connection:      MemoryConnection,
		Threads:         1,
		BatchSize:       1024,
		Logging:         "info",
		ShutdownTimeout: 30 * time.Second,
		Transport: TransportConfig{
			Kind:           TransportMemory,
			ConnectTimeout: 2 * time.Minute,
		},
		Telemetry: TelemetryConfig{Probability: 0.05},
		HTTP: HTTPConfig{
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
	}
}

var validate, translator = newValidator()

// newValidator returns a validator that names fields by their yaml key and
// renders its errors in English.
func newValidator() (*validator.Validate, ut.Translator) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(v, trans); err != nil {
		panic(fmt.Sprintf("registering validation translations: %v", err))
	}
	return v, trans
}

// Validate checks field constraints and the rules that span several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		errs := make([]error, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			errs = append(errs, errors.New(fe.Translate(translator)))
		}
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	var errs []error
	if c.Rank >= c.Size {
		errs = append(errs, fmt.Errorf("rank %d is outside a group of size %d", c.Rank, c.Size))
	}

	if c.Size > 1 && strings.HasPrefix(c.Connection, MemoryConnection) {
		errs = append(errs, errors.New("a memory:// datastore cannot be shared by several ranks"))
	}

	switch c.Transport.Kind {
	case TransportMemory:
		if c.Size != 1 {
			errs = append(errs, errors.New("the memory transport only supports a group of size 1"))
		}
	case TransportGRPC:
		if len(c.Transport.Peers) != c.Size {
			errs = append(errs, fmt.Errorf("grpc transport needs %d peer addresses, got %d", c.Size, len(c.Transport.Peers)))
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka transport needs at least one broker"))
		}
		if c.Transport.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka transport needs a topic"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// launcherVars lists rank/size environment variable pairs set by common
// launchers, in lookup order.
var launcherVars = [][2]string{
	{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"PMI_RANK", "PMI_SIZE"},
	{"PMIX_RANK", "PMIX_SIZE"},
	{"SLURM_PROCID", "SLURM_NTASKS"},
}

// DiscoverRank returns the rank and size exported by the process launcher.
// The boolean is false when no launcher variables are present.
func DiscoverRank(lookup func(string) (string, bool)) (int, int, bool, error) {
	for _, pair := range launcherVars {
		rankVal, okRank := lookup(pair[0])
		sizeVal, okSize := lookup(pair[1])
		if !okRank || !okSize {
			continue
		}

		rank, err := strconv.Atoi(rankVal)
		if err != nil {
			return 0, 0, false, fmt.Errorf("parsing %s: %w", pair[0], err)
		}
		size, err := strconv.Atoi(sizeVal)
		if err != nil {
			return 0, 0, false, fmt.Errorf("parsing %s: %w", pair[1], err)
		}
		return rank, size, true, nil
	}
	return 0, 0, false, nil
}
