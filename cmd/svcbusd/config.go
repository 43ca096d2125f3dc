package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"svcbus/config"
	"svcbus/registry"
)

var dumpConfigCommand = &cli.Command{
	Action:      dumpConfig,
	Name:        "dumpconfig",
	Usage:       "Export configuration values in a TOML format",
	ArgsUsage:   "<dumpfile (optional)>",
	Description: `The dumpconfig command shows configuration values.`,
}

// loadConfig loads the defaults, then the config file, then the command line flags.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Defaults
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := config.Load(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(listenFlag.Name) {
		cfg.Node.Listen = ctx.String(listenFlag.Name)
	}
	if ctx.IsSet(advertiseFlag.Name) {
		cfg.Node.Advertise = ctx.String(advertiseFlag.Name)
	}
	if ctx.IsSet(etcdFlag.Name) {
		cfg.Registry.Endpoints = ctx.StringSlice(etcdFlag.Name)
	}
	if ctx.IsSet(codecFlag.Name) {
		cfg.Node.Codec = ctx.String(codecFlag.Name)
	}
	if ctx.IsSet(balancerFlag.Name) {
		cfg.Balancer = ctx.String(balancerFlag.Name)
	}
	if ctx.IsSet(logLevelFlag.Name) {
		cfg.Log.Level = ctx.String(logLevelFlag.Name)
	}
	if ctx.IsSet(logFormatFlag.Name) {
		cfg.Log.Format = ctx.String(logFormatFlag.Name)
	}
	return cfg, cfg.Validate()
}

// newRegistry connects to etcd when endpoints are configured. Without them the node
// runs alone with an in-process registry.
func newRegistry(cfg config.Config, logger *zap.Logger) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) == 0 {
		logger.Info("No etcd endpoints, using in-process registry")
		return registry.NewMemoryRegistry(), nil
	}
	return registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Std(), logger)
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	dump := os.Stdout
	if ctx.NArg() > 0 {
		dump, err = os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer dump.Close()
	}
	return config.Dump(dump, &cfg)
}
