package factory

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/config"
	jsstream "github.com/secplat/posture-pipeline/pkg/stream/jetstream"
)

func CreateJetStreamTransport(conf config.NATS, component string, logger logr.Logger) (*jsstream.Transport, common.CloseFunc, error) {
	nc, err := nats.Connect(conf.URL, natsOptions(conf, component, logger)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	transport := jsstream.NewTransport(js).WithLogger(logger).WithAckWait(conf.AckWait)

	// Drain lets in flight acks reach the server
	shutdown := func(context.Context) error {
		return nc.Drain()
	}

	return transport, shutdown, nil
}

func natsOptions(conf config.NATS, component string, logger logr.Logger) []nats.Option {
	ret := []nats.Option{
		nats.Name(computeClientID(component)),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error(err, "Disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.V(0).Info("Reconnected to nats", "url", nc.ConnectedUrlRedacted())
		}),
	}

	if conf.Creds.Username != "" {
		ret = append(ret, nats.UserInfo(conf.Creds.Username, conf.Creds.Password))
	}

	return ret
}
