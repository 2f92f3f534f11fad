// Copyright 2022 The gradestream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/gradestream/apis"
	"github.com/alwitt/gradestream/common"
	"github.com/alwitt/gradestream/engine"
	"github.com/alwitt/gradestream/registry"
	"github.com/alwitt/gradestream/storage"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunAPIServer run the notification API server
func RunAPIServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "api-server",
		"instance":  instance,
	}

	connections, err := registry.GetConnectionRegistry(
		config.Notification.MaxConnectionsPerStudent,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define connection registry")
		return err
	}

	history, err := storage.GetNotificationStore(
		time.Second * time.Duration(config.Notification.RetentionTTL),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define notification store")
		return err
	}

	publisher, err := engine.GetPublicationEngine(connections, history)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define publication engine")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestNotificationHandler(
		localCtxt,
		&config.API.HTTPSetting,
		config.Notification,
		publisher,
		connections,
		history,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// Periodic retention sweep over the notification store. Started here,
	// stopped on shutdown; a failing cycle only logs and is retried on the
	// next period.
	expiryTimer, err := common.GetIntervalTimerInstance(
		"notification-expiry", localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define expiry timer")
		return err
	}
	if err := expiryTimer.Start(
		time.Second*time.Duration(config.Notification.ExpiryInterval),
		func() error {
			return history.Expire(time.Now())
		},
		false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start expiry timer")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.Endpoints.PathPrefix, nil)

	// Grade publish
	_ = apis.RegisterPathPrefix(
		mainRouter, "/grades/publish", map[string]http.HandlerFunc{
			"post": httpHandler.PublishGradeHandler(),
		},
	)

	// Notification stream
	_ = apis.RegisterPathPrefix(
		mainRouter, "/notifications/stream/{studentId}", map[string]http.HandlerFunc{
			"get": httpHandler.StreamNotificationsHandler(),
		},
	)

	// Missed notification query
	_ = apis.RegisterPathPrefix(
		mainRouter, "/notifications/missed/{studentId}", map[string]http.HandlerFunc{
			"get": httpHandler.MissedNotificationsHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.API.HTTPSetting.Server.ListenOn, config.API.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.API.HTTPSetting.Server.ReadTimeout),
		// Write timeout stays unset so long lived notification streams survive
		WriteTimeout: time.Second * time.Duration(config.API.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.API.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the expiry sweep
	if err := expiryTimer.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during expiry timer shutdown")
	}

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
