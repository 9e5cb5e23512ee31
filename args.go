package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"lotbid/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("id", "lotbid-0", "instance name used as the consumer name")
	pflag.String("store", api.StorePostgres, "authoritative bid store: postgres or redis")
	pflag.String("bus", api.BusMemory, "fan-out transport: memory or redis")
	pflag.String("log-level", "info", "")

	// auth config
	pflag.String("auth-public-key", "", "base64 encoded ed25519 public key of the identity provider")
	pflag.String("auth-issuer", "", "")
	pflag.String("auth-audience", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "lotbid:", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-bids", "lotbid-shared-bid-stream", "")
	pflag.String("redis-stream-prefix-for-events", "events:", "")
	pflag.String("redis-consumer-group", "lotbid-archiver", "")

	// bidding config
	pflag.Duration("bid-submit-timeout", 0, "deadline for one bid submission, 0 uses the default")
	pflag.Int("bid-max-attempts", 0, "")
	pflag.Duration("bid-base-backoff", 0, "")
	pflag.Int("bids-page-size", 20, "")
	pflag.Int("bids-page-max", 100, "")

	// sweeper config
	pflag.Duration("sweeper-interval", 0, "")
	pflag.Int("sweeper-batch-size", 0, "")
	pflag.Duration("sweeper-lock-expiry", 0, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("LOTBID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// public key 解析失敗時保留為空，交由 Validate 檢查
	publicKey, _ := base64.StdEncoding.DecodeString(viper.GetString("auth-public-key"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		LogLevel:  viper.GetString("log-level"),
		ServerConfig: api.ServerConfig{
			ID:    viper.GetString("id"),
			Store: viper.GetString("store"),
			Bus:   viper.GetString("bus"),
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					BidStream:   viper.GetString("redis-stream-key-for-bids"),
					EventPrefix: viper.GetString("redis-stream-prefix-for-events"),
				},
				ConsumerGroup: viper.GetString("redis-consumer-group"),
			},
			Auth: api.AuthConfig{
				PublicKey: ed25519.PublicKey(publicKey),
				Issuer:    viper.GetString("auth-issuer"),
				Audience:  viper.GetString("auth-audience"),
			},
			Bidding: api.BiddingConfig{
				SubmitTimeout: viper.GetDuration("bid-submit-timeout"),
				MaxAttempts:   viper.GetInt("bid-max-attempts"),
				BaseBackoff:   viper.GetDuration("bid-base-backoff"),
				BidsPageSize:  viper.GetInt("bids-page-size"),
				BidsPageMax:   viper.GetInt("bids-page-max"),
			},
			Sweeper: api.SweeperConfig{
				Interval:   viper.GetDuration("sweeper-interval"),
				BatchSize:  viper.GetInt("sweeper-batch-size"),
				LockExpiry: viper.GetDuration("sweeper-lock-expiry"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	LogLevel     string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	config := args.ServerConfig
	if args.ServerURL == "" || config.ID == "" || len(config.Auth.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	switch config.Store {
	case api.StorePostgres:
		if !config.DB.Enabled() {
			return false
		}
	case api.StoreRedis:
		if config.Redis.Addr == "" {
			return false
		}
	default:
		return false
	}
	switch config.Bus {
	case api.BusMemory:
	case api.BusRedis:
		if config.Redis.Addr == "" {
			return false
		}
	default:
		return false
	}
	return true
}
