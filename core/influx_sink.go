package core

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/util"
)

// StartInfluxSink - Start mirroring metric samples to InfluxDB in the
// background. Does nothing when no InfluxDB URL is configured; the in-memory
// metric window keeps working either way.
func StartInfluxSink(engine *Engine, waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	config := engine.Config
	if config.InfluxDBURL == "" {
		log.Info("InfluxDB sink disabled, no URL configured")
		return
	}

	shutdownChannel := make(chan bool, 1)
	if !shutdown.AddListener(shutdownChannel) {
		return
	}
	waitGroup.Add(1)

	client := influxdb2.NewClient(config.InfluxDBURL, config.InfluxDBToken)

	go func() {
		defer waitGroup.Done()
		defer log.Info("InfluxDB sink stopped")

		// Wait for the database to come up or for shutdown
		if !waitForInfluxUp(client, shutdownChannel) {
			client.Close()
			return
		}

		writeAPI := client.WriteAPI(config.InfluxDBOrg, config.InfluxDBBucket)
		go func() {
			for err := range writeAPI.Errors() {
				log.WithError(err).Error("Failed to write to InfluxDB")
			}
		}()

		engine.Metrics.SetSink(func(sample common.MetricSample) {
			point := influxdb2.NewPointWithMeasurement(sample.Name).
				AddTag("device_id", sample.DeviceID).
				AddField("value", sample.Value).
				SetTime(sample.Time)
			for key, value := range sample.Labels {
				point.AddTag(key, value)
			}
			writeAPI.WritePoint(point)
		})
		log.Info("InfluxDB sink started: ", config.InfluxDBURL)

		<-shutdownChannel
		engine.Metrics.SetSink(nil)
		writeAPI.Flush()
		client.Close()
	}()
}

func waitForInfluxUp(client influxdb2.Client, shutdownChannel <-chan bool) bool {
	checkHealth := func() bool {
		_, err := client.Health(context.Background())
		if err != nil {
			log.WithError(err).Trace("InfluxDB connection error")
			return false
		}
		return true
	}
	if checkHealth() {
		return true
	}
	log.Info("Waiting for InfluxDB")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if checkHealth() {
				return true
			}
		case <-shutdownChannel:
			return false
		}
	}
}
