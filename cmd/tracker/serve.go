package main

import (
	"context"
	"time"

	"github.com/ermn/tracking.go/tracking/brokertest"
)

func runServe(ctx context.Context, args []string) error {
	var common commonFlags
	var listenAddr, path, token string
	var heartbeat time.Duration

	fs := newFlagSet("serve")
	fs.StringVarP(&listenAddr, "listen", "l", "", "listen address (default from config)")
	fs.StringVar(&path, "path", "", "mount path of the STOMP endpoint (default from config)")
	fs.StringVar(&token, "token", "", "required bearer token (default from config)")
	fs.DurationVar(&heartbeat, "heartbeat", 0, "heartbeat interval offered to clients (default from config)")
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := common.setup()
	if err != nil {
		return err
	}
	if listenAddr == "" {
		listenAddr = cfg.Broker.Listen
	}
	if path == "" {
		path = cfg.Broker.Path
	}
	if token == "" {
		token = cfg.Broker.Token
	}
	if heartbeat == 0 {
		heartbeat = cfg.Heartbeat
	}

	broker := brokertest.New(
		brokertest.WithToken(token),
		brokertest.WithHeartbeat(heartbeat, heartbeat),
		brokertest.WithLogger(logger),
	)
	defer broker.Close()

	reg := newRegistry()
	mux := observabilityMux(reg, func() (any, bool) {
		return map[string]any{
			"connections": broker.Connections(),
			"connects":    broker.ConnectCount(),
			"rejected":    broker.RejectedCount(),
		}, true
	})
	mux.Handle(path, broker)

	logger.Info("broker ready", "path", path, "auth", token != "")
	return listen(ctx, listenAddr, mux, logger)
}
