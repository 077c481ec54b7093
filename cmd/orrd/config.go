/*
 * Copyright (c) 2025 ORR contributors
 */

package main

// Config bootstrap, grounded on the teacher's tdnsd/config.go +
// tdns/config_validate.go: a viper-unmarshalled struct validated with
// go-playground/validator, with required fields spelled out as struct
// tags rather than checked imperatively.

import (
	"fmt"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jelu/lim-plugin-orr/orr"
)

type Config struct {
	Service   ServiceConf
	Log       LogConf
	Db        DbConf
	Apiserver ApiserverConf
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Verbose *bool
	Debug   *bool
}

type LogConf struct {
	File string `validate:"required"`
}

type DbConf struct {
	Driver string `validate:"required,oneof=sqlite3 mysql"`
	Dsn    string `validate:"required"`
}

type ApiserverConf struct {
	Address string `validate:"required"`
}

// DefaultCfgFile is overridden by --config; kept as a fallback in the
// same spirit as the teacher's tdns.DefaultCfgFile constant.
const DefaultCfgFile = "/etc/orr/orrd.yaml"

func ParseConfig(cfgfile string) (*Config, error) {
	viper.SetConfigFile(cfgfile)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading config %s: %v", orr.ErrConfig, cfgfile, err)
	}

	var conf Config
	if err := viper.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling config: %v", orr.ErrConfig, err)
	}

	if err := ValidateConfig(&conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

func ValidateConfig(conf *Config) error {
	validate := validator.New()

	sections := map[string]interface{}{
		"service":   conf.Service,
		"log":       conf.Log,
		"db":        conf.Db,
		"apiserver": conf.Apiserver,
	}

	for name, section := range sections {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("%w: config section %q is missing required attributes: %v", orr.ErrConfig, name, err)
		}
	}
	return nil
}

func boolVal(b *bool) bool {
	if b == nil {
		log.Println("boolVal: nil pointer defaults to false")
		return false
	}
	return *b
}
