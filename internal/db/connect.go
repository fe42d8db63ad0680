// Package db opens the gorm connection and manages schema and seed data.
package db

import (
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/ikanisa/easymo/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DSN builds a MySQL DSN for the configured database. An empty database
// name addresses the server without selecting a schema.
func DSN(c config.DatabaseConfig) string {
	mc := gomysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	mc.DBName = c.Name
	mc.ParseTime = true
	return mc.FormatDSN()
}

// Open connects using the configured driver.
func Open(c config.DatabaseConfig) (*gorm.DB, error) {
	switch c.Driver {
	case "sqlite":
		return ConnectSQLite(c.Path)
	case "mysql", "":
		return Connect(c)
	}
	return nil, fmt.Errorf("db: unsupported driver %q", c.Driver)
}

// Connect opens a GORM connection to a MySQL database.
func Connect(c config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(DSN(c)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", c.Host, c.Port, c.Name, err)
	}
	return db, nil
}

// ConnectSQLite opens a GORM connection to a SQLite file, or an in-memory
// database for ":memory:".
func ConnectSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// CreateDatabase creates the configured MySQL schema if it doesn't exist.
func CreateDatabase(c config.DatabaseConfig) error {
	admin := c
	admin.Name = ""
	adminDB, err := Connect(admin)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", c.Name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", c.Name, err)
	}
	return nil
}
