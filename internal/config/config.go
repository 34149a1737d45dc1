package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	Database struct {
		Path string
	}
	Transfer struct {
		BaseURL string
		APIKey  string
		Timeout time.Duration
	}
	Poll struct {
		Active time.Duration
		Idle   time.Duration
		Bulk   time.Duration
	}
	Reconcile struct {
		QueueTimeout     time.Duration
		MissingThreshold int
		FetchTimeout     time.Duration
	}
	Pipeline struct {
		Workers      int
		Timeout      time.Duration
		DownloadRoot string
		LibraryRoot  string
	}
	Cleanup struct {
		Delays     []time.Duration
		SweepDelay time.Duration
		SweepBatch int
		RateLimit  float64
	}
	Queue struct {
		FinishedTTL time.Duration
	}
	History struct {
		RetentionDays int
	}
	Housekeeping struct {
		HistoryCron  string
		FinishedCron string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret       string
		TokenTTLMinutes int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("SOULQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "data/soulqueue.db")
	v.SetDefault("transfer.baseurl", "http://localhost:5030")
	v.SetDefault("transfer.apikey", "")
	v.SetDefault("transfer.timeout", 15*time.Second)
	v.SetDefault("poll.active", 2*time.Second)
	v.SetDefault("poll.idle", 10*time.Second)
	v.SetDefault("poll.bulk", 15*time.Second)
	v.SetDefault("reconcile.queuetimeout", 180*time.Second)
	v.SetDefault("reconcile.missingthreshold", 3)
	v.SetDefault("reconcile.fetchtimeout", 12*time.Second)
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.timeout", 5*time.Minute)
	v.SetDefault("pipeline.downloadroot", "")
	v.SetDefault("pipeline.libraryroot", "")
	v.SetDefault("cleanup.delays", "2s,5s,10s")
	v.SetDefault("cleanup.sweepdelay", 30*time.Second)
	v.SetDefault("cleanup.sweepbatch", 5)
	v.SetDefault("cleanup.ratelimit", 4.0)
	v.SetDefault("queue.finishedttl", 24*time.Hour)
	v.SetDefault("history.retentiondays", 30)
	v.SetDefault("housekeeping.historycron", "@daily")
	v.SetDefault("housekeeping.finishedcron", "@every 10m")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "soulqueue-library")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 60*24)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Transfer.BaseURL) == "" {
		return fmt.Errorf("transfer.baseurl is required")
	}
	if (c.Pipeline.DownloadRoot == "") != (c.Pipeline.LibraryRoot == "") {
		return fmt.Errorf("pipeline.downloadroot and pipeline.libraryroot must be set together")
	}
	for _, d := range c.Cleanup.Delays {
		if d < 0 {
			return fmt.Errorf("cleanup.delays must not be negative")
		}
	}
	return nil
}

// PostProcessing reports whether completed downloads are organized.
func (c Config) PostProcessing() bool {
	return c.Pipeline.DownloadRoot != "" && c.Pipeline.LibraryRoot != ""
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
