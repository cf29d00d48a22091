package util

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/oKV/lib/db/engines/larch"
	"github.com/ValentinKolb/oKV/lib/mem"
	"github.com/ValentinKolb/oKV/lib/ohmap"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tailscale/hujson"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupMapFlags adds the flags configuring a map to a flag set
func SetupMapFlags(flags *pflag.FlagSet) {
	key := "capacity"
	flags.Int(key, ohmap.ConcurrencyLevel, WrapString("Number of buckets, rounded up to a multiple of 65536"))

	key = "ttl"
	flags.Duration(key, 0, WrapString("Entries expire when they were not read or touched for this long (0 = never)"))

	key = "policy"
	flags.String(key, "none", WrapString("Background eviction policy (none, ttl, histogram, sampling)"))

	key = "cleanup-interval"
	flags.Duration(key, 60*time.Second, WrapString("Delay between background eviction runs"))

	key = "cleanup-threshold"
	flags.Float64(key, 0, WrapString("Fraction of the capacity the adaptive policies keep free (0 to 1)"))

	key = "arena-limit"
	flags.Int64(key, 0, WrapString("Maximum number of bytes the off-heap arena may reserve (0 = unlimited)"))

	key = "chunk-size"
	flags.Int(key, mem.DefaultChunkSize, WrapString("Size of one off-heap chunk in bytes, also the upper bound of a single entry"))

	key = "log-level"
	flags.String(key, "info", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "config"
	flags.String(key, "", WrapString("Optional configuration file (JSON with comments and trailing commas)"))
}

// InitConfig reads env files and environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("okv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// LoadConfigFile reads a JSONC configuration file into viper. Keys use the
// flag names, e.g. {"capacity": 131072, "ttl": "10m"}. Flags and environment
// variables take precedence over the file.
func LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	viper.SetConfigType("json")
	if err := viper.ReadConfig(bytes.NewReader(standardized)); err != nil {
		return fmt.Errorf("loading config file %s: %w", path, err)
	}
	return nil
}

// BindCommandFlags binds a command's flags to viper and loads the config
// file if one is given
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if path := viper.GetString("config"); path != "" {
		return LoadConfigFile(path)
	}
	return nil
}

// GetMapOptions reads the map configuration from viper
func GetMapOptions(name string) (*ohmap.Options, error) {
	policy, err := ohmap.ParsePolicy(viper.GetString("policy"))
	if err != nil {
		return nil, err
	}

	opts := &ohmap.Options{
		Name:             name,
		Capacity:         viper.GetInt("capacity"),
		TimeToLive:       viper.GetDuration("ttl"),
		CleanupInterval:  viper.GetDuration("cleanup-interval"),
		CleanupThreshold: viper.GetFloat64("cleanup-threshold"),
		Policy:           policy,
		ArenaOptions: &mem.Options{
			ChunkSize: viper.GetInt("chunk-size"),
			Limit:     viper.GetInt64("arena-limit"),
		},
	}
	if opts.TimeToLive <= 0 {
		opts.TimeToLive = ohmap.NoExpiration
	}

	return opts, opts.Validate()
}

// GetDBOptions reads the configuration of a larch database from viper
func GetDBOptions(name string) (*larch.DBOptions, error) {
	mapOpts, err := GetMapOptions(name)
	if err != nil {
		return nil, err
	}
	opts := larch.DefaultOptions()
	opts.Map = mapOpts
	return opts, nil
}
