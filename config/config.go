package config

import "os"

type Config struct {
	DatabaseDSN    string
	MigrationDir   string
	HTTPAddr       string
	KafkaHost      string
	OrderPaidTopic string
	Sumup          SumupConfig
}

// SumupConfig is the gateway credential and merchant identity. It is read
// once at startup and handed to checkout.NewClient; nothing else touches it.
type SumupConfig struct {
	APIBase       string
	SecretKey     string
	MerchantEmail string
	ReturnURL     string
}

var DefaultConfig = Config{
	DatabaseDSN:    "root:1@tcp(localhost:3306)/junkshop?parseTime=true",
	MigrationDir:   "migration/junkshop",
	HTTPAddr:       ":8080",
	KafkaHost:      "localhost:29092",
	OrderPaidTopic: "ORDER_PAID_TOPIC",
	Sumup: SumupConfig{
		APIBase:       "https://api.sumup.com",
		MerchantEmail: "junkshopdumfries@gmail.com",
		ReturnURL:     "https://junkshop-website-gem.web.app",
	},
}

// Load returns DefaultConfig with environment overrides applied. The SumUp
// secret key has no default: it only ever comes from the environment.
func Load() Config {
	conf := DefaultConfig
	conf.DatabaseDSN = getEnv("DATABASE_DSN", conf.DatabaseDSN)
	conf.HTTPAddr = getEnv("HTTP_ADDR", conf.HTTPAddr)
	conf.KafkaHost = getEnv("KAFKA_HOST", conf.KafkaHost)
	conf.OrderPaidTopic = getEnv("ORDER_PAID_TOPIC", conf.OrderPaidTopic)
	conf.Sumup.APIBase = getEnv("SUMUP_API_BASE", conf.Sumup.APIBase)
	conf.Sumup.SecretKey = getEnv("SUMUP_SECRET_KEY", "")
	conf.Sumup.MerchantEmail = getEnv("SUMUP_MERCHANT_EMAIL", conf.Sumup.MerchantEmail)
	conf.Sumup.ReturnURL = getEnv("SUMUP_RETURN_URL", conf.Sumup.ReturnURL)
	return conf
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
