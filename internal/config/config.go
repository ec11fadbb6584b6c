// Package config binds the environment variables and flags spec.md
// §6.4 names to typed node/broker configuration, using viper for the
// env layer and pflag for the CLI layer, the combination the retrieval
// pack's oasis-core teacher dependency set favors over hand-rolled
// os.Getenv parsing.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// NodeConfig is the node process's environment per spec.md §6.4.
type NodeConfig struct {
	NodeID             string
	UserID             string
	BrokerURL          string
	TickInterval       time.Duration
	MaxGenerationTicks int
	OutputDir          string
	RandomSeed         int64
}

// BrokerConfig is the broker process's environment per spec.md §6.4.
type BrokerConfig struct {
	Port int
}

// LoadNodeConfig reads NODE_ID, USER_ID, BROKER_PORT (folded into
// BrokerURL), TICK_INTERVAL, MAX_GENERATION_TICKS, OUTPUT_DIR,
// RANDOM_SEED from the environment. NODE_ID, USER_ID, BROKER_PORT,
// TICK_INTERVAL and OUTPUT_DIR can also be set by a flag of the same
// name (lowercased, dashed), which takes precedence over the
// environment; MAX_GENERATION_TICKS and RANDOM_SEED have no flag and
// are read from the environment only. USER_ID is the broker's per-user
// partition key (spec.md §6.2's X-User-Id header): two nodes only ever
// discover each other if they share a USER_ID, regardless of NodeID.
func LoadNodeConfig(flagSet *pflag.FlagSet) (NodeConfig, error) {
	v := viper.New()
	v.AutomaticEnv()
	for _, name := range []string{"NODE_ID", "USER_ID", "BROKER_PORT", "TICK_INTERVAL", "MAX_GENERATION_TICKS", "OUTPUT_DIR", "RANDOM_SEED"} {
		if err := v.BindEnv(name); err != nil {
			return NodeConfig{}, fmt.Errorf("config: binding %s: %w", name, err)
		}
	}
	if flagSet != nil {
		if err := bindFlag(v, flagSet, "NODE_ID", "node-id"); err != nil {
			return NodeConfig{}, err
		}
		if err := bindFlag(v, flagSet, "USER_ID", "user-id"); err != nil {
			return NodeConfig{}, err
		}
		if err := bindFlag(v, flagSet, "BROKER_PORT", "broker-port"); err != nil {
			return NodeConfig{}, err
		}
		if err := bindFlag(v, flagSet, "TICK_INTERVAL", "tick-interval"); err != nil {
			return NodeConfig{}, err
		}
		if err := bindFlag(v, flagSet, "OUTPUT_DIR", "output-dir"); err != nil {
			return NodeConfig{}, err
		}
	}

	v.SetDefault("TICK_INTERVAL", "5s")
	v.SetDefault("MAX_GENERATION_TICKS", 0)
	v.SetDefault("OUTPUT_DIR", "./data")
	v.SetDefault("BROKER_PORT", 8080)

	nodeID := v.GetString("NODE_ID")
	if nodeID == "" {
		return NodeConfig{}, fmt.Errorf("config: NODE_ID is required")
	}
	userID := v.GetString("USER_ID")
	if userID == "" {
		return NodeConfig{}, fmt.Errorf("config: USER_ID is required")
	}

	tick, err := time.ParseDuration(v.GetString("TICK_INTERVAL"))
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config: TICK_INTERVAL: %w", err)
	}

	return NodeConfig{
		NodeID:             nodeID,
		UserID:             userID,
		BrokerURL:          fmt.Sprintf("http://localhost:%d", v.GetInt("BROKER_PORT")),
		TickInterval:       tick,
		MaxGenerationTicks: v.GetInt("MAX_GENERATION_TICKS"),
		OutputDir:          v.GetString("OUTPUT_DIR"),
		RandomSeed:         v.GetInt64("RANDOM_SEED"),
	}, nil
}

// LoadBrokerConfig reads PORT, with a --port flag taking precedence.
func LoadBrokerConfig(flagSet *pflag.FlagSet) (BrokerConfig, error) {
	v := viper.New()
	v.AutomaticEnv()
	if err := v.BindEnv("PORT"); err != nil {
		return BrokerConfig{}, fmt.Errorf("config: binding PORT: %w", err)
	}
	if flagSet != nil {
		if err := bindFlag(v, flagSet, "PORT", "port"); err != nil {
			return BrokerConfig{}, err
		}
	}
	v.SetDefault("PORT", 8080)
	return BrokerConfig{Port: v.GetInt("PORT")}, nil
}

// bindFlag binds a single pflag under its env-style viper key, rather
// than viper's own dashed-name convention BindPFlags would use, so
// flags and environment variables read back under the same key.
func bindFlag(v *viper.Viper, flagSet *pflag.FlagSet, envKey, flagName string) error {
	f := flagSet.Lookup(flagName)
	if f == nil {
		return nil
	}
	if err := v.BindPFlag(envKey, f); err != nil {
		return fmt.Errorf("config: binding flag %s: %w", flagName, err)
	}
	return nil
}
