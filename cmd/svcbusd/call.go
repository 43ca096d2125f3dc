package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"svcbus/bus"
	"svcbus/client"
	"svcbus/cluster"
	"svcbus/codec"
	"svcbus/config"
	"svcbus/internal/users"
	"svcbus/loadbalance"
	"svcbus/logging"
	"svcbus/payload"
	"svcbus/registry"
)

var (
	addressFlag = &cli.StringFlag{
		Name:  "address",
		Usage: "Service address",
		Value: users.Address,
	}
	actionFlag = &cli.StringFlag{
		Name:     "action",
		Usage:    "Action to invoke, e.g. findUser",
		Required: true,
	}
	nodeFlag = &cli.StringFlag{
		Name:  "node",
		Usage: "Node to send the request to when no etcd endpoints are given",
		Value: config.Defaults.Node.Listen,
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "How long to wait for the reply",
		Value: 10 * time.Second,
	}
)

var callCommand = &cli.Command{
	Action:    call,
	Name:      "call",
	Usage:     "Invoke one action of a service and print the reply as JSON",
	ArgsUsage: "<tag:value>...",
	Flags:     []cli.Flag{addressFlag, actionFlag, nodeFlag, timeoutFlag},
	Description: `Arguments are written tag:value, for example

    svcbusd call --action renameUser uuid:7d444840-9dc0-11d1-b245-5ffdce74fad2 string:bob
    svcbusd call --action saveUser 'record:users.UserDTO:{"username":"ann"}'
    svcbusd call --address math.Arith --action add long:1 long:2`,
}

func call(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pc := payload.NewCodec(payload.Records(&users.UserDTO{}))
	args, err := parseArgs(pc, ctx.Args().Slice())
	if err != nil {
		return err
	}

	address := ctx.String(addressFlag.Name)
	reg, err := callRegistry(ctx, cfg, address, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return err
	}
	ct, err := codec.ParseCodecType(cfg.Node.Codec)
	if err != nil {
		return err
	}
	local := bus.New(bus.WithLogger(logger))
	defer local.Close()
	router := cluster.NewRouter(local, reg,
		cluster.WithBalancer(balancer),
		cluster.WithCodec(ct),
		cluster.WithPoolSize(1),
		cluster.WithHeartbeat(0),
		cluster.WithDialTimeout(cfg.Registry.DialTimeout.Std()),
		cluster.WithRequestTimeout(ctx.Duration(timeoutFlag.Name)),
		cluster.WithRouterLogger(logger))
	defer router.Close()

	c, err := client.New(registry.NewDirectory(address), router, address,
		client.WithCodec(pc),
		client.WithLogger(logger))
	if err != nil {
		return err
	}
	v, ok, err := c.Go(ctx.Context, ctx.String(actionFlag.Name), args...).Value()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("null")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// callRegistry discovers nodes through etcd when configured, and otherwise targets the
// node given with --node.
func callRegistry(ctx *cli.Context, cfg config.Config, address string, logger *zap.Logger) (registry.Registry, error) {
	if len(cfg.Registry.Endpoints) > 0 {
		return registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout.Std(), logger)
	}
	reg := registry.NewMemoryRegistry()
	err := reg.Register(ctx.Context, address, registry.ServiceInstance{Addr: ctx.String(nodeFlag.Name), Weight: 1}, 0)
	return reg, err
}

func parseArgs(pc *payload.Codec, raw []string) ([]any, error) {
	args := make([]any, 0, len(raw))
	for i, s := range raw {
		tagName, value, err := splitArg(s)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		tag, err := payload.ParseTag(tagName)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		v, err := pc.DecodeValue(tag, literal(tag, value))
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, v)
	}
	return args, nil
}

// splitArg separates the tag from the value of a tag:value argument. Record and list
// tags contain colons themselves.
func splitArg(s string) (string, string, error) {
	head, rest, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", errors.New("expected tag:value, got " + s)
	}
	switch head {
	case "record":
		schema, value, ok := strings.Cut(rest, ":")
		if !ok {
			return "", "", errors.New("expected record:<schema>:<json>, got " + s)
		}
		return head + ":" + schema, value, nil
	case "list":
		elem, value, err := splitArg(rest)
		if err != nil {
			return "", "", err
		}
		return head + ":" + elem, value, nil
	}
	return head, rest, nil
}

// literal turns a command line value into the JSON of its slot. Text kinds are quoted,
// the others are taken as JSON.
func literal(tag payload.Tag, value string) json.RawMessage {
	switch tag.Kind {
	case payload.KindString, payload.KindIdentifier, payload.KindInstant, payload.KindBytes:
		quoted, _ := json.Marshal(value)
		return quoted
	}
	return json.RawMessage(value)
}
