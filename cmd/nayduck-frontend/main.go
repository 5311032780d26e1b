// nayduck-frontend serves the HTTP/JSON API and hosts the nightly
// scheduler. Exactly one instance must run per deployment because of the
// nightly singleton.
package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/skia-dev/glog"

	"github.com/near/nayduck/go/admission"
	"github.com/near/nayduck/go/config"
	"github.com/near/nayduck/go/db"
	"github.com/near/nayduck/go/frontend"
	"github.com/near/nayduck/go/nightly"
	"github.com/near/nayduck/go/repo"
	"github.com/near/nayduck/go/token"
)

func main() {
	configPath := flag.String("config", "/etc/nayduck/config.json", "Path to the configuration file.")
	listen := flag.String("listen", ":5005", "Address to serve HTTP on.")
	withNightly := flag.Bool("nightly", true, "Run the nightly scheduler in this process.")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Fatal(err)
	}
	if err := config.Require(map[string]string{
		"database":    cfg.DatabaseDSN,
		"ui_base_url": cfg.UIBaseURL,
		"repo_url":    cfg.RepoURL,
		"workdir":     cfg.WorkDir,
	}); err != nil {
		glog.Fatal(err)
	}

	ctx := context.Background()
	store, err := db.NewSQLDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		glog.Fatal(err)
	}

	var codec *token.Codec
	if cfg.TokenKey != "" {
		key, err := cfg.TokenKeyBytes()
		if err != nil {
			glog.Fatal(err)
		}
		if codec, err = token.NewCodec(key); err != nil {
			glog.Fatal(err)
		}
	} else {
		glog.Warning("No token key configured; run submission is disabled")
	}

	mirror := repo.NewMirror(cfg.RepoURL, cfg.WorkDir)
	adm := admission.New(store, mirror)
	if *withNightly {
		go func() {
			if err := nightly.New(store, adm, mirror).Run(ctx); err != nil {
				glog.Errorf("Nightly scheduler stopped: %s", err)
			}
		}()
	}

	server := frontend.New(store, adm, codec, cfg.UIBaseURL)
	glog.Infof("Serving on %s", *listen)
	glog.Fatal(http.ListenAndServe(*listen, server.Router()))
}
