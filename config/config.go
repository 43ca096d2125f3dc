// Package config holds the settings of a svcbus node, loaded from a TOML file.
//
//	[Node]
//	Listen = "0.0.0.0:7400"
//	Codec = "binary"
//
//	[Registry]
//	Endpoints = ["127.0.0.1:2379"]
//	TTL = 10
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
)

// Config is the whole configuration of a node.
type Config struct {
	Balancer string // roundrobin, weighted or consistent

	Node     NodeConfig
	Registry RegistryConfig
	Bus      BusConfig
	Host     HostConfig
	Log      LogConfig
}

type NodeConfig struct {
	Listen    string
	Advertise string `toml:",omitempty"` // defaults to the listener address
	Codec     string // json or binary
	PoolSize  int    // connections per remote node
	Heartbeat Duration
	Weight    int
}

// RegistryConfig selects the etcd registry. Without endpoints the node runs with an
// in-process registry.
type RegistryConfig struct {
	Endpoints   []string `toml:",omitempty"`
	TTL         int64    // lease TTL in seconds
	DialTimeout Duration
}

type BusConfig struct {
	RequestTimeout Duration
	QueueSize      int
}

// HostConfig configures the middleware of hosted services. A zero RateLimit disables
// rate limiting, a zero HandlerTimeout the handler timeout.
type HostConfig struct {
	RateLimit      float64
	Burst          int
	HandlerTimeout Duration
	StopTimeout    Duration
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

// Defaults contains the default settings.
var Defaults = Config{
	Balancer: "roundrobin",
	Node: NodeConfig{
		Listen:    "127.0.0.1:7400",
		Codec:     "binary",
		PoolSize:  4,
		Heartbeat: Duration(30 * time.Second),
		Weight:    1,
	},
	Registry: RegistryConfig{
		TTL:         10,
		DialTimeout: Duration(3 * time.Second),
	},
	Bus: BusConfig{
		RequestTimeout: Duration(30 * time.Second),
		QueueSize:      1024,
	},
	Host: HostConfig{
		HandlerTimeout: Duration(10 * time.Second),
		StopTimeout:    Duration(5 * time.Second),
	},
	Log: LogConfig{
		Level:  "info",
		Format: "console",
	},
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Load reads file over cfg. Fields missing from the file keep their value, so cfg is
// usually a copy of Defaults.
func Load(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// Dump writes cfg as TOML.
func Dump(w io.Writer, cfg *Config) error {
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// Validate checks values Load cannot check by type alone.
func (c *Config) Validate() error {
	switch c.Balancer {
	case "", "roundrobin", "weighted", "consistent":
	default:
		return fmt.Errorf("config: unknown balancer %q", c.Balancer)
	}
	switch c.Node.Codec {
	case "", "json", "binary":
	default:
		return fmt.Errorf("config: unknown codec %q", c.Node.Codec)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Node.PoolSize < 0 || c.Bus.QueueSize < 0 || c.Host.Burst < 0 {
		return errors.New("config: sizes must not be negative")
	}
	if c.Host.RateLimit > 0 && c.Host.Burst == 0 {
		return errors.New("config: Host.RateLimit needs a positive Host.Burst")
	}
	return nil
}

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", text, err)
	}
	*d = Duration(v)
	return nil
}
