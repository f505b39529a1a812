package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// BridgeHost is the IP address or host name of the bridge.
	BridgeHost string `env:"CANDELA_BRIDGE_HOST"`

	// ApplicationKey authenticates us against the bridge. Created
	// with `candela register`.
	ApplicationKey string `env:"CANDELA_APPLICATION_KEY"`

	// InsecureTLS skips verification of the bridge's self-signed
	// certificate.
	InsecureTLS bool `env:"CANDELA_INSECURE_TLS,default=true"`

	DebugHTTP bool `env:"CANDELA_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			panic(err)
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
