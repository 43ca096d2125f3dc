// svcbusd runs a svcbus node hosting the demo users service, and calls services of a
// running cluster from the command line.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"svcbus/bus"
	"svcbus/cluster"
	"svcbus/config"
	"svcbus/internal/users"
	"svcbus/logging"
	"svcbus/middleware"
	"svcbus/server"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Address the node accepts connections on",
	}
	advertiseFlag = &cli.StringFlag{
		Name:  "advertise",
		Usage: "Address other nodes reach this node on (default: the listen address)",
	}
	etcdFlag = &cli.StringSliceFlag{
		Name:  "etcd",
		Usage: "etcd endpoints of the service registry (default: in-process registry)",
	}
	codecFlag = &cli.StringFlag{
		Name:  "codec",
		Usage: "Frame codec towards other nodes: json or binary",
	}
	balancerFlag = &cli.StringFlag{
		Name:  "balancer",
		Usage: "Node selection: roundrobin, weighted or consistent",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "Log level: debug, info, warn or error",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "Log format: console or json",
	}
)

var app = &cli.App{
	Name:  "svcbusd",
	Usage: "service bus node",
	Flags: []cli.Flag{
		configFileFlag,
		listenFlag,
		advertiseFlag,
		etcdFlag,
		codecFlag,
		balancerFlag,
		logLevelFlag,
		logFormatFlag,
	},
	Action: svcbusd,
	Commands: []*cli.Command{
		callCommand,
		dumpConfigCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// svcbusd is the main entry point: it hosts the users service and serves it to other
// nodes until interrupted.
func svcbusd(ctx *cli.Context) error {
	if args := ctx.Args().Slice(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	b := bus.New(
		bus.WithRequestTimeout(cfg.Bus.RequestTimeout.Std()),
		bus.WithQueueSize(cfg.Bus.QueueSize),
		bus.WithLogger(logger))
	defer b.Close()

	host, err := server.NewHost(b,
		users.NewService(logger, users.UserDTO{Username: "demo", Email: "demo@example.com"}),
		server.WithLogger(logger),
		server.WithMiddleware(hostMiddlewares(cfg, logger)...))
	if err != nil {
		return err
	}
	if err := host.Start(runCtx); err != nil {
		return err
	}

	node := cluster.NewNode(b, reg,
		cluster.WithNodeLogger(logger),
		cluster.WithTTL(cfg.Registry.TTL),
		cluster.WithWeight(cfg.Node.Weight))
	if err := node.Expose(runCtx, host.Address()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return node.ListenAndServe(cfg.Node.Listen, cfg.Node.Advertise)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", zap.String("node", node.ID()))
		stopTimeout := cfg.Host.StopTimeout.Std()
		if err := node.Shutdown(stopTimeout); err != nil {
			logger.Warn("Node shutdown incomplete", zap.Error(err))
		}
		return host.Stop(stopTimeout)
	})
	return g.Wait()
}

func hostMiddlewares(cfg config.Config, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if d := cfg.Host.HandlerTimeout.Std(); d > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(d))
	}
	if cfg.Host.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Host.RateLimit, cfg.Host.Burst))
	}
	return mws
}
