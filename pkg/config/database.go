package config

import (
	"fmt"

	dbutils "github.com/tendant/db-utils/db"
)

// DatabaseConfig holds PostgreSQL database configuration
type DatabaseConfig struct {
	Host     string `env:"DELEGATE_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"DELEGATE_PG_PORT" env-default:"5432"`
	Database string `env:"DELEGATE_PG_DATABASE" env-default:"delegate_db"`
	User     string `env:"DELEGATE_PG_USER" env-default:"delegate"`
	Password string `env:"DELEGATE_PG_PASSWORD" env-default:"pwd"`
}

// ToDatabaseURL is the DSN form used by database/sql with the pgx driver.
func (d DatabaseConfig) ToDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Database)
}

// ToDbConfig converts the config to a db-utils DbConfig
func (d DatabaseConfig) ToDbConfig() dbutils.DbConfig {
	return dbutils.DbConfig{
		Host:     d.Host,
		Port:     d.Port,
		Database: d.Database,
		User:     d.User,
		Password: d.Password,
	}
}
