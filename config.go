// RTLELSTER - A receiver for Elster EnergyAxis mesh meters operating in the 900MHz ISM band.
// Copyright (C) 2015 Douglas Hall
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "RTLELSTER"

type Config struct {
	Format   string   `mapstructure:"format"`
	FilterID []string `mapstructure:"filterid"`
	MsgType  []string `mapstructure:"msgtype"`
	Unique   bool     `mapstructure:"unique"`

	Dot string `mapstructure:"dot"`
	DB  string `mapstructure:"db"`

	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
	LogFile   string `mapstructure:"log-file"`

	// decode
	ChecksumIncluded bool `mapstructure:"checksum-included"`

	// frame
	Channels  []string      `mapstructure:"channel"`
	Pcap      string        `mapstructure:"pcap"`
	Packed    bool          `mapstructure:"packed"`
	BlockSize int           `mapstructure:"blocksize"`
	Duration  time.Duration `mapstructure:"duration"`

	// synth
	Protocol string `mapstructure:"protocol"`
	Gap      int    `mapstructure:"gap"`
	Out      string `mapstructure:"out"`
}

// LoadConfig merges, in increasing precedence, defaults, the optional config
// file, RTLELSTER_<FLAG> environment variables and command line flags.
func LoadConfig(configFile string, flags *pflag.FlagSet) (cfg Config, err error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return cfg, errors.Wrap(err, "bind flags")
	}
	EnvOverride(flags)

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	cfg.Format = strings.ToLower(cfg.Format)

	return cfg, nil
}

// EnvOverride reports each flag overridden by an environment variable.
func EnvOverride(flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		envName := envPrefix + "_" + strings.ToUpper(strings.Replace(f.Name, "-", "_", -1))
		flagValue := os.Getenv(envName)
		if flagValue == "" {
			return
		}

		if f.Changed {
			log.Debugf("Flag %q takes precedence over environment variable %q\n", f.Name, envName)
			return
		}
		log.Debugf("Environment variable %q overrides flag %q with %q\n", envName, f.Name, flagValue)
	})
}

// SetupLogging configures the standard logger. When a log file is given the
// returned closer releases it.
func SetupLogging(cfg Config) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	log.SetLevel(level)

	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Errorf("invalid log format: %q", cfg.LogFormat)
	}

	if cfg.LogFile == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))

	return lj, nil
}
