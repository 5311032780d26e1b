// nayduck-builder is the build daemon. One instance runs per builder
// host; the host is identified to the store by its outbound IPv4.
package main

import (
	"context"
	"flag"

	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/builder"
	"github.com/near/nayduck/go/config"
	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/netutil"
	"github.com/near/nayduck/go/repo"
)

func main() {
	configPath := flag.String("config", "/etc/nayduck/config.json", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Fatal(err)
	}
	if err := config.Require(map[string]string{
		"database": cfg.DatabaseDSN,
		"repo_url": cfg.RepoURL,
		"workdir":  cfg.WorkDir,
	}); err != nil {
		glog.Fatal(err)
	}

	ctx := context.Background()
	store, err := db.NewSQLDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		glog.Fatal(err)
	}
	ip, err := netutil.OutboundIPv4()
	if err != nil {
		glog.Fatal(err)
	}
	glog.Infof("Builder %s starting in %s", netutil.IntToIPv4(ip), cfg.WorkDir)

	mirror := repo.NewMirror(cfg.RepoURL, cfg.WorkDir)
	if err := builder.New(store, mirror, cfg.WorkDir, ip).Run(ctx); err != nil {
		glog.Fatal(err)
	}
}
