// Package viperloader loads configuration from command-line flags,
// DATALOADER_* environment variables and an optional config file, in that
// order of precedence.
package viperloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ahrav/hepnos-dataloader/internal/config"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "DATALOADER"

// ErrHelp is returned when the arguments asked for usage information.
var ErrHelp = pflag.ErrHelp

var _ config.Loader = (*ViperLoader)(nil)

// ViperLoader implements config.Loader on top of viper.
type ViperLoader struct {
	args      []string
	lookupEnv func(string) (string, bool)
	flags     *pflag.FlagSet
}

// New creates a loader for the given command-line arguments (without the
// program name).
func New(name string, args []string) *ViperLoader {
	return &ViperLoader{args: args, lookupEnv: os.LookupEnv, flags: newFlagSet(name)}
}

// Usage returns the flag documentation.
func (l *ViperLoader) Usage() string { return l.flags.FlagUsages() }

// newFlagSet defines the command line. The short flags follow the original
// loader: -c connection, -i input, -o output, -a async, -t threads,
// -b batch size and -l logging level.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	def := config.Default()

	fs.String("config", "", "path to a YAML config file")
	fs.StringP("connection", "c", def.Connection, "datastore connection (memory:// or a postgres URL)")
	fs.StringP("input", "i", "", "file listing the input files, one per line")
	fs.StringP("output", "o", "", "output dataset path, e.g. runs/2024")
	fs.BoolP("async", "a", def.Async, "flush write batches only when full")
	fs.IntP("threads", "t", def.Threads, "files processed concurrently on each rank")
	fs.IntP("batch-size", "b", def.BatchSize, "write batch size")
	fs.StringP("logging", "l", def.Logging, "log level (trace, debug, info, warning, error, critical, off)")
	fs.Int("rank", 0, "rank of this process (default: discovered from the launcher)")
	fs.Int("size", def.Size, "number of processes (default: discovered from the launcher)")
	fs.Float64("rate-limit", 0, "maximum files started per second on each rank (0 = unlimited)")
	fs.Duration("shutdown-timeout", def.ShutdownTimeout, "how long to wait for the other ranks at shutdown")
	fs.String("transport", string(def.Transport.Kind), "transport between ranks (memory, grpc, kafka)")
	fs.StringSlice("peers", nil, "gRPC address of every rank, in rank order")
	fs.String("listen", "", "gRPC listen address (default: this rank's peer address)")
	fs.StringSlice("kafka-brokers", nil, "Kafka brokers")
	fs.String("kafka-topic", "", "Kafka topic of this job")
	fs.String("telemetry-endpoint", "", "OTLP gRPC collector address")
	fs.String("http-addr", "", "address of the health and metrics server")

	return fs
}

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"connection":         "connection",
	"input":              "input",
	"output":             "output",
	"async":              "async",
	"threads":            "threads",
	"batch-size":         "batch_size",
	"logging":            "logging",
	"rank":               "rank",
	"size":               "size",
	"rate-limit":         "rate_limit",
	"shutdown-timeout":   "shutdown_timeout",
	"transport":          "transport.kind",
	"peers":              "transport.peers",
	"listen":             "transport.listen",
	"kafka-brokers":      "transport.kafka.brokers",
	"kafka-topic":        "transport.kafka.topic",
	"telemetry-endpoint": "telemetry.endpoint",
	"http-addr":          "http.addr",
}

// Load parses the arguments and merges every source into a validated Config.
func (l *ViperLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := l.flags.Parse(l.args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, config.Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, l.flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", name, err)
		}
	}

	if path, _ := l.flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if !v.IsSet("rank") {
		rank, size, found, err := config.DiscoverRank(l.lookupEnv)
		if err != nil {
			return nil, err
		}
		if found {
			cfg.Rank, cfg.Size = rank, size
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every default so that environment variables are
// picked up for keys no flag or file mentions. Rank and size get their
// defaults from their flags only, so IsSet tells whether anyone chose them.
func setDefaults(v *viper.Viper, def config.Config) {
	v.SetDefault("input", def.Input)
	v.SetDefault("output", def.Output)
	v.SetDefault("connection", def.Connection)
	v.SetDefault("async", def.Async)
	v.SetDefault("threads", def.Threads)
	v.SetDefault("batch_size", def.BatchSize)
	v.SetDefault("logging", def.Logging)
	v.SetDefault("rate_limit", def.RateLimit)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("transport.kind", string(def.Transport.Kind))
	v.SetDefault("transport.peers", def.Transport.Peers)
	v.SetDefault("transport.listen", def.Transport.Listen)
	v.SetDefault("transport.connect_timeout", def.Transport.ConnectTimeout)
	v.SetDefault("transport.kafka.brokers", def.Transport.Kafka.Brokers)
	v.SetDefault("transport.kafka.topic", def.Transport.Kafka.Topic)
	v.SetDefault("telemetry.endpoint", def.Telemetry.Endpoint)
	v.SetDefault("telemetry.probability", def.Telemetry.Probability)
	v.SetDefault("telemetry.insecure", def.Telemetry.Insecure)
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", def.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", def.HTTP.ShutdownTimeout)
}

// IsHelp reports whether err came from a -h/--help flag.
func IsHelp(err error) bool { return errors.Is(err, ErrHelp) }
