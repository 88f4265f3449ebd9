package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MODBUS_PROBE"

type config struct {
	// Ports are the serial devices to probe. When empty every port the
	// system lists and PortFilter matches is probed.
	Ports      []string `mapstructure:"ports"`
	PortFilter string   `mapstructure:"port_filter"`
	Methods    []string `mapstructure:"methods"`
	BaudRates  []int    `mapstructure:"baud_rates"`
	DataBits   int      `mapstructure:"data_bits"`
	StopBits   int      `mapstructure:"stop_bits"`
	Parity     string   `mapstructure:"parity"`
	// Endpoints are network endpoint URLs such as tcp://10.0.0.5:502.
	Endpoints []string `mapstructure:"endpoints"`
	Units     []int    `mapstructure:"units"`

	Timeout        time.Duration `mapstructure:"timeout"`
	TCPIdleTimeout time.Duration `mapstructure:"tcp_idle_timeout"`

	Probe probeConfig `mapstructure:"probe"`
	Log   logConfig   `mapstructure:"log"`
}

type probeConfig struct {
	Access   string `mapstructure:"access"`
	Address  int    `mapstructure:"address"`
	Quantity int    `mapstructure:"quantity"`
}

type logConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// flag name to config key
var flagKeys = map[string]string{
	"port":             "ports",
	"port-filter":      "port_filter",
	"method":           "methods",
	"baud":             "baud_rates",
	"databits":         "data_bits",
	"stopbits":         "stop_bits",
	"parity":           "parity",
	"endpoint":         "endpoints",
	"unit":             "units",
	"timeout":          "timeout",
	"tcp-idle-timeout": "tcp_idle_timeout",
	"access":           "probe.access",
	"register":         "probe.address",
	"quantity":         "probe.quantity",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"log-output":       "log.output",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("modbus-probe", pflag.ContinueOnError)
	fs.String("config", "", "configuration file (yaml, toml or json)")
	// serial
	fs.StringSlice("port", nil, "serial device to probe, e.g. /dev/ttyUSB0; all listed ports when omitted")
	fs.String("port-filter", "tty[UA]*", "glob the base name of listed ports must match")
	fs.StringSlice("method", []string{"rtu"}, "serial methods to try: rtu, ascii")
	fs.IntSlice("baud", []int{9600, 19200}, "baud rates to try")
	fs.Int("databits", 8, "5, 6, 7 or 8")
	fs.Int("stopbits", 1, "1 or 2")
	fs.String("parity", "N", "Parity: N - None, E - Even, O - Odd")
	// network
	fs.StringSlice("endpoint", nil, "network endpoint, e.g. tcp://10.0.0.5:502, udp://10.0.0.6")
	// probe
	fs.IntSlice("unit", []int{1}, "unit identifiers to probe")
	fs.Duration("timeout", 500*time.Millisecond, "timeout of one exchange")
	fs.Duration("tcp-idle-timeout", 0, "close idle tcp connections after this duration")
	fs.String("access", "holding", "register table to probe: holding or input")
	fs.Int("register", 0, "register address to probe")
	fs.Int("quantity", 1, "number of registers to probe")
	// logging
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "console", "console or json")
	fs.String("log-output", "stderr", "stdout, stderr or a file path")
	return fs
}

func loadConfig(args []string) (*config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file, _ := fs.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("modbus-probe")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/modbus-probe")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", false)
}

func (c *config) validate() error {
	if len(c.Units) == 0 {
		return errors.New("no unit identifiers to probe")
	}
	for _, u := range c.Units {
		if u < 0 || u > 255 {
			return fmt.Errorf("unit identifier %d out of range 0-255", u)
		}
	}
	if c.Probe.Address < 0 || c.Probe.Address > 0xFFFF {
		return fmt.Errorf("register %d out of range", c.Probe.Address)
	}
	if c.Probe.Quantity < 1 || c.Probe.Quantity > 125 {
		return fmt.Errorf("quantity %d out of range 1-125", c.Probe.Quantity)
	}
	return nil
}
