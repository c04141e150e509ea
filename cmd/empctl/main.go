// empctl sends and fetches EMP messages through a running broker.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ptcsim/emp/pkg/client"
	"github.com/ptcsim/emp/pkg/config"
	"github.com/ptcsim/emp/pkg/emp"
	"github.com/ptcsim/emp/pkg/encoding"
	"github.com/ptcsim/emp/pkg/logger"
	"github.com/ptcsim/emp/pkg/types"
)

var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	app := &cli.Command{
		Name:    "empctl",
		Usage:   "Send and fetch messages through the EMP broker",
		Version: fmt.Sprintf("%s-%s", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Optional .env file with EMP_* overrides",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "Broker host",
				Sources: cli.EnvVars("EMP_BROKER_HOST"),
			},
			&cli.IntFlag{
				Name:  "send-port",
				Usage: "Broker publish port",
			},
			&cli.IntFlag{
				Name:  "fetch-port",
				Usage: "Broker fetch port",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Network timeout per exchange",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "send",
				Usage: "Send a message with a key=value payload",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "type", Usage: "Message type", Value: int(types.MsgLocoStatus)},
					&cli.StringFlag{Name: "from", Usage: "Sender address", Required: true},
					&cli.StringFlag{Name: "to", Usage: "Destination address", Required: true},
					&cli.StringSliceFlag{Name: "set", Usage: "Payload entry key=value (repeatable)"},
					&cli.IntFlag{Name: "ttl", Usage: "Network TTL in seconds", Value: int(emp.DefaultTTL)},
					&cli.IntFlag{Name: "qos", Usage: "Quality of service"},
				},
				Action: sendCmd,
			},
			{
				Name:  "status",
				Usage: "Send a locomotive status report to the back office",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "loco", Usage: "Locomotive ID", Required: true},
					&cli.StringFlag{Name: "to", Usage: "Destination address", Value: types.DefaultBOSAddr},
					&cli.FloatFlag{Name: "speed", Usage: "Speed"},
					&cli.FloatFlag{Name: "heading", Usage: "Heading in degrees"},
					&cli.FloatFlag{Name: "lat", Usage: "Latitude"},
					&cli.FloatFlag{Name: "long", Usage: "Longitude"},
					&cli.StringFlag{Name: "base", Usage: "Base station in range"},
				},
				Action: statusCmd,
			},
			{
				Name:  "command",
				Usage: "Send a speed/direction command to a locomotive",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "loco", Usage: "Locomotive ID", Required: true},
					&cli.StringFlag{Name: "from", Usage: "Sender address", Value: types.DefaultBOSAddr},
					&cli.FloatFlag{Name: "speed", Usage: "Target speed", Required: true},
					&cli.StringFlag{Name: "direction", Usage: "increasing or decreasing", Value: string(types.Increasing)},
				},
				Action: commandCmd,
			},
			{
				Name:  "fetch",
				Usage: "Fetch the oldest message queued for an address",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Usage: "Queue (destination address)", Required: true},
				},
				Action: fetchCmd,
			},
			{
				Name:  "drain",
				Usage: "Fetch until the queue is empty",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "queue", Aliases: []string{"q"}, Usage: "Queue (destination address)", Required: true},
					&cli.IntFlag{Name: "limit", Usage: "Stop after this many messages (0 = no limit)"},
				},
				Action: drainCmd,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient(c *cli.Command) (*client.Client, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return nil, err
	}
	overrides := map[string]any{}
	if c.IsSet("host") {
		overrides["broker_host"] = c.String("host")
	}
	if c.IsSet("send-port") {
		overrides["send_port"] = c.Int("send-port")
	}
	if c.IsSet("fetch-port") {
		overrides["fetch_port"] = c.Int("fetch-port")
	}
	if c.IsSet("timeout") {
		overrides["network_timeout"] = c.Duration("timeout").String()
	}
	cfg, err := config.LoadWithOverrides(c.String("config"), overrides)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Environment, cfg.LogLevel)
	return client.New(cfg), nil
}

func sendCmd(ctx context.Context, c *cli.Command) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	kv, err := encoding.ParseKeyValues(c.StringSlice("set"))
	if err != nil {
		return err
	}
	msgType, err := toUint16("type", c.Int("type"))
	if err != nil {
		return err
	}
	ttl, err := toUint16("ttl", c.Int("ttl"))
	if err != nil {
		return err
	}
	qos, err := toUint16("qos", c.Int("qos"))
	if err != nil {
		return err
	}

	err = cl.SendPayload(ctx, msgType, c.String("from"), c.String("to"), kv, emp.WithTTL(ttl), emp.WithQoS(qos))
	if err != nil {
		return err
	}
	fmt.Printf("sent %s -> %s (%d keys)\n", c.String("from"), c.String("to"), len(kv))
	return nil
}

func statusCmd(ctx context.Context, c *cli.Command) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	status := types.LocoStatus{
		Sent:    float64(time.Now().Unix()),
		Loco:    c.String("loco"),
		Speed:   c.Float("speed"),
		Heading: c.Float("heading"),
		Lat:     c.Float("lat"),
		Long:    c.Float("long"),
		Base:    c.String("base"),
	}
	msg, err := types.NewStatusMessage(types.LocoAddr("", status.Loco), c.String("to"), status)
	if err != nil {
		return err
	}
	if err := cl.Send(ctx, msg); err != nil {
		return err
	}
	fmt.Printf("sent %s\n", msg)
	return nil
}

func commandCmd(ctx context.Context, c *cli.Command) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	cmd := types.LocoCommand{
		Loco:      c.String("loco"),
		Speed:     c.Float("speed"),
		Direction: types.Direction(c.String("direction")),
	}
	msg, err := types.NewCommandMessage(c.String("from"), types.LocoAddr("", cmd.Loco), cmd)
	if err != nil {
		return err
	}
	if err := cl.Send(ctx, msg); err != nil {
		return err
	}
	fmt.Printf("sent %s\n", msg)
	return nil
}

func fetchCmd(ctx context.Context, c *cli.Command) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	msg, err := cl.Fetch(ctx, c.String("queue"))
	if errors.Is(err, emp.ErrEmpty) {
		fmt.Printf("queue %s empty\n", c.String("queue"))
		return nil
	}
	if err != nil {
		return err
	}
	return printMessage(msg)
}

func drainCmd(ctx context.Context, c *cli.Command) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	limit := c.Int("limit")
	count := 0
	for limit <= 0 || count < limit {
		msg, err := cl.Fetch(ctx, c.String("queue"))
		if errors.Is(err, emp.ErrEmpty) {
			break
		}
		if err != nil {
			return err
		}
		if err := printMessage(msg); err != nil {
			return err
		}
		count++
	}
	fmt.Fprintf(os.Stderr, "drained %d message(s) from %s\n", count, c.String("queue"))
	return nil
}

type messageView struct {
	Type     uint16 `json:"type"`
	TypeName string `json:"type_name"`
	Sender   string `json:"sender"`
	Dest     string `json:"dest"`
	TTL      uint16 `json:"ttl"`
	QoS      uint16 `json:"qos"`
	Payload  any    `json:"payload"`
}

func printMessage(msg *emp.Message) error {
	view := messageView{
		Type:     msg.Type(),
		TypeName: types.MsgType(msg.Type()).String(),
		Sender:   msg.Sender(),
		Dest:     msg.Dest(),
		TTL:      msg.TTL(),
		QoS:      msg.QoS(),
		Payload:  decodePayload(msg),
	}
	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// decodePayload prefers the typed schema, then a generic map, then hex.
func decodePayload(msg *emp.Message) any {
	switch types.MsgType(msg.Type()) {
	case types.MsgLocoStatus:
		if status, err := types.DecodeStatus(msg); err == nil {
			return status
		}
	case types.MsgLocoCommand:
		if cmd, err := types.DecodeCommand(msg); err == nil {
			return cmd
		}
	}
	if kv, err := encoding.DecodeMap(msg.Payload()); err == nil {
		return kv
	}
	return map[string]string{"hex": hex.EncodeToString(msg.Payload())}
}

func toUint16(name string, v int) (uint16, error) {
	if v < 0 || v > 0xFFFF {
		return 0, cli.Exit(fmt.Sprintf("--%s must be between 0 and 65535, got %d", name, v), 2)
	}
	return uint16(v), nil
}
