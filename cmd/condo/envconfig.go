package main

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Env is condo's environment. The Env is responsible for parsing the
// environment strings, except LOG_LEVEL, which makeBaseLogger reads before
// the Env is processed.
type Env struct {
	ConsulAddress  string `env:"CONSUL_ADDRESS,default="`
	NodesPrefix    string `env:"NODES_PREFIX,default=condo/nodes"`
	RolesPrefix    string `env:"ROLES_PREFIX,default=condo/roles"`
	ServicesPrefix string `env:"SERVICES_PREFIX,default=condo/services"`
	StatePort      uint16 `env:"STATE_PORT,default=0"`
}

func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}
