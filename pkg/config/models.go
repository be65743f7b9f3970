package config

import "time"

type Config struct {
	Server    ServerConfig    `validate:"required"`
	Transport TransportConfig `validate:"required"`
	Storage   StorageConfig   `validate:"required"`
	Log       LogConfig
}

type ServerConfig struct {
	Address         string                `validate:"required"`
	Auth            AuthConfig            `validate:"required"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwtSecret" validate:"required,min=8"`
	TokenTTL  time.Duration `mapstructure:"tokenTTL" validate:"gte=0"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser" validate:"gte=0"`
	Mode       string `mapstructure:"mode" validate:"oneof=reject cycle"`
}

// ReadTimeout doubles as the idle bound: a connection that sends nothing for
// that long is disconnected.
type TransportConfig struct {
	ReadTimeout   time.Duration `mapstructure:"readTimeout" validate:"gt=0"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout" validate:"gte=0"`
	SendQueueSize int           `mapstructure:"sendQueueSize" validate:"gt=0"`
}

type StorageConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}
