// nayduck-worker is the test daemon. One instance runs per worker host;
// the host is identified to the store by its hostname.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/blobstore"
	"github.com/near/nayduck/go/config"
	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/repo"
	"github.com/near/nayduck/go/worker"
)

func main() {
	configPath := flag.String("config", "/etc/nayduck/config.json", "Path to the configuration file.")
	mocknet := flag.Bool("mocknet", false, "Prefer mocknet tests when claiming.")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Fatal(err)
	}
	if err := config.Require(map[string]string{
		"database":    cfg.DatabaseDSN,
		"repo_url":    cfg.RepoURL,
		"workdir":     cfg.WorkDir,
		"logs_bucket": cfg.LogsBucket,
	}); err != nil {
		glog.Fatal(err)
	}

	ctx := context.Background()
	store, err := db.NewSQLDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		glog.Fatal(err)
	}
	uploader, err := blobstore.NewGCS(ctx, cfg.LogsBucket, cfg.GCSCredentialsFile)
	if err != nil {
		glog.Fatal(err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		glog.Fatal(err)
	}
	glog.Infof("Worker %s starting in %s (mocknet=%t)", hostname, cfg.WorkDir, *mocknet)

	mirror := repo.NewMirror(cfg.RepoURL, cfg.WorkDir)
	w := worker.New(store, mirror, uploader, cfg.WorkDir, hostname, *mocknet)
	if err := w.Run(ctx); err != nil {
		glog.Fatal(err)
	}
}
