package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/core"
	"dev.hon.one/tantalum/util"
)

func main() {
	log.Infof("Starting %v version %v by %v", common.AppName, common.AppVersion, common.AppAuthor)

	// Parse CLI args (may exit)
	debug := false
	configPath := ""
	flag.BoolVar(&debug, "debug", debug, "Show debug messages.")
	flag.StringVar(&configPath, "config", configPath, "Config file path.")
	flag.Parse()
	if debug {
		log.SetLevel(log.TraceLevel)
		log.Info("Debug mode enabled")
	}

	// Load config
	config, err := common.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}

	// Build engine (loads devices, credentials, stores, schedules)
	engine, err := core.NewEngine(config)
	if err != nil {
		log.WithError(err).Fatal("Failed to build engine")
	}

	// Setup internal shutdown mechanism
	shutdownChannel := make(chan os.Signal, 1)
	signal.Notify(shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	shutdown := util.NewShutdownChannelDistributor(shutdownChannel)

	// Run internal services in background and wait for all to finish
	var waitGroup sync.WaitGroup
	core.StartHTTPServer(engine, &waitGroup, shutdown)
	core.StartInfluxSink(engine, &waitGroup, shutdown)
	engine.Start(&waitGroup, shutdown)

	// Wait for internal services to finish
	waitGroup.Wait()
	engine.Events.Close()
}
