package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// SysConfig system level config
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
}

// DBConfig master database config. Tenant databases are described per tenant
// in the master catalog, not here.
type DBConfig struct {
	Type     string `yaml:"type" json:"type"` // postgres / sqlite
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// LogConfig logger config
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"` // development / production
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// MessagingConfig protocol session config
type MessagingConfig struct {
	StoreDriver    string `yaml:"store_driver" json:"store_driver"` // pgx / sqlite
	StoreDSN       string `yaml:"store_dsn" json:"store_dsn"`
	CredentialKey  string `yaml:"credential_key" json:"credential_key"` // base64, 32 bytes decoded
	ReconnectDelay int    `yaml:"reconnect_delay" json:"reconnect_delay"` // seconds
	RestoreDelay   int    `yaml:"restore_delay" json:"restore_delay"`     // seconds after boot
	RestoreWorkers int    `yaml:"restore_workers" json:"restore_workers"`
}

// QueueConfig campaign dispatch queue config
type QueueConfig struct {
	Interval     int `yaml:"interval" json:"interval"`           // seconds between ticks
	BatchSize    int `yaml:"batch_size" json:"batch_size"`       // pending jobs claimed per campaign per tick
	SendDelayMax int `yaml:"send_delay_max" json:"send_delay_max"` // max randomized pre-send delay, seconds
}

// NotifyConfig realtime notification config
type NotifyConfig struct {
	AmqpURL      string `yaml:"amqp_url" json:"amqp_url"` // empty = in-process bus only
	AmqpExchange string `yaml:"amqp_exchange" json:"amqp_exchange"`
}

// SmtpConfig email channel config
type SmtpConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	User   string `yaml:"user" json:"user"`
	Passwd string `yaml:"passwd" json:"passwd"`
	From   string `yaml:"from" json:"from"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system" json:"system"`
	Database  DBConfig        `yaml:"database" json:"database"`
	Logger    LogConfig       `yaml:"logger" json:"logger"`
	Messaging MessagingConfig `yaml:"messaging" json:"messaging"`
	Queue     QueueConfig     `yaml:"queue" json:"queue"`
	Notify    NotifyConfig    `yaml:"notify" json:"notify"`
	Smtp      SmtpConfig      `yaml:"smtp" json:"smtp"`
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "blipline",
		Location: "Asia/Kolkata",
		Workdir:  "/var/blipline",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "blipline",
		User:     "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/blipline/blipline.log",
	},
	Messaging: MessagingConfig{
		StoreDriver:    "pgx",
		ReconnectDelay: 3,
		RestoreDelay:   5,
		RestoreWorkers: 8,
	},
	Queue: QueueConfig{
		Interval:     20,
		BatchSize:    5,
		SendDelayMax: 3,
	},
	Notify: NotifyConfig{
		AmqpExchange: "blipline.events",
	},
}

func setEnvValue(name string, f func(v string)) {
	if v, ok := os.LookupEnv(name); ok {
		f(v)
	}
}

// LoadConfig reads the YAML config file if it exists and applies environment
// overrides on top. A missing file yields the defaults.
func LoadConfig(cfile string) *AppConfig {
	cfg := DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	setEnvValue("BLIPLINE_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("BLIPLINE_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("BLIPLINE_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("BLIPLINE_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("BLIPLINE_DB_PWD", func(v string) { cfg.Database.Passwd = v })
	setEnvValue("BLIPLINE_MESSAGING_STORE_DSN", func(v string) { cfg.Messaging.StoreDSN = v })
	setEnvValue("BLIPLINE_CREDENTIAL_KEY", func(v string) { cfg.Messaging.CredentialKey = v })
	setEnvValue("BLIPLINE_AMQP_URL", func(v string) { cfg.Notify.AmqpURL = v })
	setEnvValue("BLIPLINE_SMTP_HOST", func(v string) { cfg.Smtp.Host = v })
	setEnvValue("BLIPLINE_SMTP_PWD", func(v string) { cfg.Smtp.Passwd = v })
	return cfg
}
