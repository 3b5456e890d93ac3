package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"dev.hon.one/tantalum/common"
	"dev.hon.one/tantalum/registry"
	"dev.hon.one/tantalum/store"
	"dev.hon.one/tantalum/util"
)

// StartHTTPServer - Start the HTTP server in the background. It serves
// engine metrics for Prometheus and a small read-only JSON API for the
// presentation layer.
func StartHTTPServer(engine *Engine, waitGroup *sync.WaitGroup, shutdown *util.ShutdownChannelDistributor) {
	shutdownChannel := make(chan bool, 1)
	if !shutdown.AddListener(shutdownChannel) {
		return
	}
	waitGroup.Add(1)

	// Configure
	var mainServeMux http.ServeMux
	mainServeMux.HandleFunc("/", handleOtherRequest)
	mainServeMux.HandleFunc("/metrics", func(response http.ResponseWriter, request *http.Request) {
		handleMetricsRequest(engine, response, request)
	})
	mainServeMux.HandleFunc("/api/devices", func(response http.ResponseWriter, request *http.Request) {
		handleDevicesRequest(engine, response, request)
	})
	mainServeMux.HandleFunc("/api/events", func(response http.ResponseWriter, request *http.Request) {
		handleEventsRequest(engine, response, request)
	})
	server := &http.Server{
		Addr:    engine.Config.HTTPEndpoint,
		Handler: &mainServeMux,
	}

	// Run
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server failed")
		}
		log.Info("HTTP server stopped")
		waitGroup.Done()
	}()

	// Shutdown
	go func() {
		<-shutdownChannel
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownContext)
	}()

	log.Infof("HTTP server started: %v", engine.Config.HTTPEndpoint)
}

func handleOtherRequest(response http.ResponseWriter, request *http.Request) {
	if request.URL.Path == "/" {
		fmt.Fprintf(response, "%s version %s by %s.\n", common.AppName, common.AppVersion, common.AppAuthor)
		fmt.Fprintf(response, "\nPaths:\n")
		fmt.Fprintf(response, "- Metrics: /metrics\n")
		fmt.Fprintf(response, "- Devices: /api/devices\n")
		fmt.Fprintf(response, "- Events: /api/events\n")
	} else {
		http.Error(response, "404 - Page not found.\n", http.StatusNotFound)
	}
}

func handleMetricsRequest(engine *Engine, response http.ResponseWriter, request *http.Request) {
	log.WithFields(log.Fields{
		"endpoint": "metrics",
		"client":   request.RemoteAddr,
	}).Trace("Request")

	// Build registry with data
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	util.NewEngineInfoMetric(promRegistry, common.PrometheusNamespace, common.AppVersion)
	enabled := true
	util.NewGauge(promRegistry, common.PrometheusNamespace, "devices", "total",
		"Number of registered devices, excluding removed ones.", nil).
		Set(float64(len(engine.ListDevices(registry.Filter{}))))
	util.NewGauge(promRegistry, common.PrometheusNamespace, "devices", "enabled",
		"Number of enabled devices.", nil).
		Set(float64(len(engine.ListDevices(registry.Filter{Enabled: &enabled}))))
	util.NewGauge(promRegistry, common.PrometheusNamespace, "jobs", "running",
		"Number of jobs currently holding an execution slot.", nil).
		Set(float64(engine.Scheduler.RunningCount()))
	util.NewGauge(promRegistry, common.PrometheusNamespace, "schedule", "entries",
		"Number of schedule entries.", nil).
		Set(float64(len(engine.Scheduler.Entries())))

	promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}).ServeHTTP(response, request)
}

func handleDevicesRequest(engine *Engine, response http.ResponseWriter, request *http.Request) {
	devices := engine.ListDevices(registry.Filter{})
	// Never expose credential references over the wire unasked
	type deviceSummary struct {
		ID         string    `json:"id"`
		Name       string    `json:"name"`
		Address    string    `json:"address"`
		Dialect    string    `json:"dialect"`
		Enabled    bool      `json:"enabled"`
		Status     string    `json:"status"`
		LastBackup time.Time `json:"last_backup"`
	}
	summaries := make([]deviceSummary, 0, len(devices))
	for _, device := range devices {
		summaries = append(summaries, deviceSummary{
			ID:         device.ID,
			Name:       device.Name,
			Address:    device.Address,
			Dialect:    device.Dialect,
			Enabled:    device.Enabled,
			Status:     device.Status,
			LastBackup: device.LastBackup,
		})
	}
	writeJSONResponse(response, summaries)
}

func handleEventsRequest(engine *Engine, response http.ResponseWriter, request *http.Request) {
	filter := store.EventFilter{
		DeviceID: request.URL.Query().Get("device_id"),
	}
	if kind := request.URL.Query().Get("kind"); kind != "" {
		filter.Kinds = []common.EventKind{common.EventKind(kind)}
	}
	writeJSONResponse(response, engine.GetEvents(filter))
}

func writeJSONResponse(response http.ResponseWriter, data interface{}) {
	response.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(response).Encode(data); err != nil {
		log.WithError(err).Error("Failed to write JSON response")
	}
}
