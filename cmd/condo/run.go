package main

import (
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/condo-io/condo/pkg/consulkv"
	"github.com/condo-io/condo/pkg/engine"
	"github.com/condo-io/condo/pkg/schema"
	"github.com/condo-io/condo/pkg/stateserver"
)

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dlog.Infof(ctx, "condo %s [pid:%d]", Version, os.Getpid())

	env, err := LoadEnv(ctx)
	if err != nil {
		return err
	}

	client, err := consulkv.NewConsulClient(env.ConsulAddress)
	if err != nil {
		return err
	}

	eng := engine.New(client, schema.NewValidator(), engine.Config{
		NodesPrefix:    env.NodesPrefix,
		RolesPrefix:    env.RolesPrefix,
		ServicesPrefix: env.ServicesPrefix,
	})

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	g.Go("engine", eng.Run)
	if env.StatePort != 0 {
		g.Go("stateserver", stateserver.New(env.StatePort, eng.Snapshot).Serve)
	}
	return g.Wait()
}
