// Command tlogd hosts one process's TLog instances: the shared raw
// queue and KV store (tlogsvr.TLogData), one recruited LogData
// instance, and the rpc handlers spec.md §6.1 defines. The network
// transport those handlers are served over is out of scope (spec.md
// §1); this entrypoint stops at constructing the Dispatcher and
// leaves wiring it to a transport to the deployment.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/pkopriv2/txlog/common"
	"github.com/pkopriv2/txlog/micro"
	"github.com/pkopriv2/txlog/rpc"
	"github.com/pkopriv2/txlog/stash"
	"github.com/pkopriv2/txlog/tag"
	"github.com/pkopriv2/txlog/tlogsvr"

	uuid "github.com/satori/go.uuid"
)

const (
	confLocality     = "txlog.locality"
	confSatellite    = "txlog.satellite"
	confRouterCount  = "txlog.router-count"
	confStartVersion = "txlog.start-version"
	confKnownCommit  = "txlog.known-committed"
	confConfigFile   = "txlog.config-file"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	v := viper.New()
	v.SetEnvPrefix("txlog")
	v.AutomaticEnv()
	v.SetDefault(confLocality, int(tag.LocalityInvalid))
	v.SetDefault(confSatellite, false)
	v.SetDefault(confRouterCount, 1)
	v.SetDefault(confStartVersion, int64(0))
	v.SetDefault(confKnownCommit, int64(0))

	if file := v.GetString(confConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	config := common.NewConfig(v.AllSettings())
	ctx := common.NewContext(config)
	defer ctx.Close()

	store, err := stash.OpenConfigured(ctx)
	if err != nil {
		return err
	}

	locality := tag.Locality(config.OptionalInt(confLocality, int(tag.LocalityInvalid)))
	satellite := config.OptionalBool(confSatellite, false)
	routerCount := config.OptionalInt(confRouterCount, 1)

	data, err := tlogsvr.Open(ctx, store, locality, satellite, routerCount)
	if err != nil {
		return err
	}

	recruitmentID := uuid.NewV4()
	instance := data.Recruit(recruitmentID, v.GetInt64(confStartVersion), v.GetInt64(confKnownCommit))

	server := rpc.NewServer(instance)
	dispatcher := micro.NewDispatcher(ctx.Control())
	server.Register(dispatcher)

	ctx.Logger().Info("Recruited TLog instance [%v] under recruitment [%v]", instance.LogID, recruitmentID)

	<-ctx.Control().Closed()
	return ctx.Control().Failure()
}
