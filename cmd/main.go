package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/thehivecorporation/log"

	db "github.com/sayden/mergetree"
	"github.com/sayden/mergetree/core"
	"github.com/sayden/mergetree/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listenAddr := flag.String("listen", "", "serve table set status on this address instead of exiting")
	flag.Parse()

	cfg := db.NewDefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = db.ReadConfig(*configPath); err != nil {
			log.Fatal(err.Error())
		}
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer engine.Close()

	m := metrics.New(engine)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := m.Compact(ctx)
	if err != nil {
		log.Fatal(err.Error())
	}

	log.WithFields(log.Fields{
		"iterations":  result.Iterations,
		"merged":      result.MergedTables,
		"outputs":     result.OutputTables,
		"quarantined": len(result.Quarantined),
	}).Info("Compaction run done")

	for _, id := range result.Quarantined {
		log.WithFields(log.Fields{"uuid": id}).Warn("Table quarantined, operator action required")
	}

	if *listenAddr != "" {
		if err = serve(ctx, *listenAddr, m); err != nil {
			log.Fatal(err.Error())
		}
	}
}
