package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/secplat/posture-pipeline/internal/common"
	"github.com/secplat/posture-pipeline/internal/config"
)

const valkeyPingTimeout = 5 * time.Second

// CreateValkeyClient connects to the valkey instance backing the streams. Client side caching
// is disabled: stream entries are read once.
func CreateValkeyClient(ctx context.Context, conf config.Valkey, component string) (valkey.Client, common.CloseFunc, error) {
	ret, err := valkey.NewClient(valkeyOptions(conf, component))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create valkey client for %s: %w", conf.URL, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, valkeyPingTimeout)
	defer cancel()

	err = ret.Do(pingCtx, ret.B().Ping().Build()).Error()
	if err != nil {
		ret.Close()

		return nil, nil, fmt.Errorf("failed to ping valkey %s: %w", conf.URL, err)
	}

	shutdown := func(context.Context) error {
		ret.Close()

		return nil
	}

	return ret, shutdown, nil
}

func valkeyOptions(conf config.Valkey, component string) valkey.ClientOption {
	return valkey.ClientOption{
		InitAddress:  []string{conf.URL},
		Username:     conf.Creds.Username,
		Password:     conf.Creds.Password,
		SelectDB:     conf.DB,
		ClientName:   computeClientID(component),
		DisableCache: true,
	}
}
