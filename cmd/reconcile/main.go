package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/motivearchive/internal/server"
	"github.com/dmitrijs2005/motivearchive/internal/server/batch"
	"github.com/dmitrijs2005/motivearchive/internal/server/config"
)

func main() {

	opts, err := batch.ParseArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx := context.Background()
	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	code := batch.Execute(ctx, app.ReconcileService(), opts, os.Stdout)
	app.Close(ctx)

	os.Exit(code)
}
