package main

import "time"

// Config is application config.
type Config struct {
	Server   ServerConf   `json:"server"`
	Data     DataConf     `json:"data"`
	Queue    QueueConf    `json:"queue"`
	Executor ExecutorConf `json:"executor"`
	Budget   BudgetConf   `json:"budget"`
	Sweeper  SweeperConf  `json:"sweeper"`
	Hub      HubConf      `json:"hub"`
	Provider ProviderConf `json:"provider"`
	Auth     AuthConf     `json:"auth"`
	Events   EventsConf   `json:"events"`
	Trace    TraceConf    `json:"trace"`
}

// ServerConf is server config.
type ServerConf struct {
	HTTP HTTPConf `json:"http"`
}

type HTTPConf struct {
	Addr    string `json:"addr"`
	Timeout string `json:"timeout"`
}

// DataConf is data config.
type DataConf struct {
	Database DatabaseConf `json:"database"`
	Redis    RedisConf    `json:"redis"`
}

type DatabaseConf struct {
	Driver          string `json:"driver"`
	Source          string `json:"source"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	MaxOpenConns    int    `json:"max_open_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
}

type RedisConf struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// QueueConf selects the queue backend: memory or redis.
type QueueConf struct {
	Backend string `json:"backend"`
	Prefix  string `json:"prefix"`
}

type ExecutorConf struct {
	WorkerNum   int    `json:"worker_num"`
	TaskTimeout string `json:"task_timeout"`
}

type BudgetConf struct {
	DefaultLimit float64 `json:"default_limit"`
	Period       string  `json:"period"`
}

type SweeperConf struct {
	Retention     string `json:"retention"`
	SweepInterval string `json:"sweep_interval"`
}

type HubConf struct {
	BacklogSize int `json:"backlog_size"`
}

type ProviderConf struct {
	StepDelay string `json:"step_delay"`
}

type AuthConf struct {
	JWTSecret    string `json:"jwt_secret"`
	AccessExpiry string `json:"access_expiry"`
}

type EventsConf struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type TraceConf struct {
	Endpoint     string  `json:"endpoint"`
	SamplingRate float64 `json:"sampling_rate"`
	Environment  string  `json:"environment"`
}

// parseDuration parses a duration string, falling back to def on empty or bad input.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
