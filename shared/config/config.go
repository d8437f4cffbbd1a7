package config

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

const (
	DefaultTypingDebounce   = 800 * time.Millisecond
	DefaultSendTimeout      = 30 * time.Second
	DefaultDedupCapacity    = 512
	DefaultMarkReadInterval = time.Second
)

type Config struct {
	Public  Public
	private Private
}

type Public struct {
	ApiBaseURL       string        `yaml:"api_base_url" validate:"required,url"`
	ChannelURL       string        `yaml:"channel_url" validate:"required,url"`
	ChannelAuthPath  string        `yaml:"channel_auth_path" validate:"required"`
	ChannelScope     string        `yaml:"channel_scope" validate:"required"` // first segment of "{scope}.{userType}.{userId}"
	TypingDebounce   time.Duration `yaml:"typing_debounce"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	DedupCapacity    int           `yaml:"dedup_capacity"` // size of the transport-level recency set
	MarkReadInterval time.Duration `yaml:"mark_read_interval"`

	MaxAttachments     int      `yaml:"max_attachments" validate:"required,min=1"`
	MaxAttachmentBytes int64    `yaml:"max_attachment_bytes" validate:"required,min=1"`
	AllowedImageMimes  []string `yaml:"allowed_image_mimes"`
	AllowedVideoMimes  []string `yaml:"allowed_video_mimes"`
	SanitizeBodies     bool     `yaml:"sanitize_bodies"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type Private struct {
	AuthToken string `yaml:"auth_token"`
	UserId    int64  `yaml:"user_id"`
	UserType  string `yaml:"user_type"`
}

func (s *Config) AuthToken() string {
	return s.private.AuthToken
}

func (s *Config) UserId() int64 {
	return s.private.UserId
}

func (s *Config) UserType() string {
	return s.private.UserType
}

// New assembles a config in code; used by tests and embedders that do not
// read yaml files.
func New(public Public, private Private) *Config {
	public.applyDefaults()
	return &Config{public, private}
}

func (p *Public) applyDefaults() {
	if p.TypingDebounce <= 0 {
		p.TypingDebounce = DefaultTypingDebounce
	}
	if p.SendTimeout <= 0 {
		p.SendTimeout = DefaultSendTimeout
	}
	if p.DedupCapacity <= 0 {
		p.DedupCapacity = DefaultDedupCapacity
	}
	if p.MarkReadInterval <= 0 {
		p.MarkReadInterval = DefaultMarkReadInterval
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
}

func mustLoadPath(configPath string, output interface{}) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}
	configFile, err := os.ReadFile(configPath)
	if err != nil {
		panic("can't read config file")
	}

	err = yaml.Unmarshal(configFile, output)
	if err != nil {
		panic("can't unmarshal config file: " + err.Error())
	}
}

// MustLoad reads public.yaml and private.yaml from configFolder. Missing
// files, bad yaml and missing required public fields panic. Private values
// may be empty: the client then runs without realtime.
func MustLoad(configFolder string) *Config {
	var public Public
	mustLoadPath(path.Join(configFolder, "public.yaml"), &public)

	var private Private
	mustLoadPath(path.Join(configFolder, "private.yaml"), &private)

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(public); err != nil {
		panic(fmt.Sprintf("invalid public config: %v", err))
	}

	return New(public, private)
}
