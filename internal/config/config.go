package config

import "github.com/kelseyhightower/envconfig"

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	JobsQueueURL       string `envconfig:"JOBS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// Enqueue
	BatchSize     int    `envconfig:"SMS_BATCH_SIZE" default:"100"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" required:"true"`

	// Optional short-link cache
	RedisAddr string `envconfig:"REDIS_ADDR"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	JobsQueueURL       string `envconfig:"JOBS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"120"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"10"`

	// Enqueue (scheduled-enqueue jobs run inside the worker)
	BatchSize     int    `envconfig:"SMS_BATCH_SIZE" default:"100"`
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" required:"true"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`

	// Mitto provider
	MittoAPIKey    string  `envconfig:"MITTO_API_KEY" required:"true"`
	MittoBaseURL   string  `envconfig:"MITTO_BASE_URL" default:"https://rest.mittoapi.net"`
	MittoSender    string  `envconfig:"MITTO_SENDER"`
	MittoRPSPerPod float64 `envconfig:"MITTO_RPS_PER_POD" default:"5"`
	MittoBurst     int     `envconfig:"MITTO_BURST" default:"10"`
}

type WebhookConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// DLR signature verification (shared secret HMAC over the raw body)
	MittoWebhookSecret string `envconfig:"MITTO_WEBHOOK_SECRET" required:"true"`
}

type ReconcilerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Mitto status lookup
	MittoAPIKey  string `envconfig:"MITTO_API_KEY" required:"true"`
	MittoBaseURL string `envconfig:"MITTO_BASE_URL" default:"https://rest.mittoapi.net"`

	PollInterval     string `envconfig:"DLR_POLL_INTERVAL" default:"2m"`
	PollStaleAfter   string `envconfig:"DLR_POLL_STALE_AFTER" default:"15m"`
	PollLimit        int    `envconfig:"DLR_POLL_LIMIT" default:"200"`
	WatchdogInterval string `envconfig:"WATCHDOG_INTERVAL" default:"1m"`
	ClaimStaleAfter  string `envconfig:"CLAIM_STALE_AFTER" default:"10m"`
	WatchdogLimit    int    `envconfig:"WATCHDOG_LIMIT" default:"100"`

	EventAuditInterval  string `envconfig:"EVENT_AUDIT_INTERVAL" default:"5m"`
	EventAuditOlderThan string `envconfig:"EVENT_AUDIT_OLDER_THAN" default:"10m"`
	EventAuditLimit     int    `envconfig:"EVENT_AUDIT_LIMIT" default:"200"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadReconciler() ReconcilerConfig {
	var cfg ReconcilerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
