// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/jsonlistener/internal/api"
	"github.com/cleverdata/jsonlistener/internal/core"
	"github.com/cleverdata/jsonlistener/internal/db"
	"github.com/cleverdata/jsonlistener/internal/logging"
)

// RunAgent is the entry point for the long-running process. It starts one listener
// per configured folder and returns once ctx is done and every watch loop has exited.
func RunAgent(ctx context.Context, svcLogger service.Logger) error {
	if service.Interactive() {
		fmt.Println("JSON Listener Starting...")
	} else {
		log.Println("JSON Listener Starting as Service...")
	}

	// reload config just in case
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Config not found or invalid: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.Open(cfg.LogDir, logging.Options{Service: svcLogger, Debug: debugMode})
	if err != nil {
		return err
	}
	defer logger.Close()
	core.DebugMode = debugMode

	history, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer history.Close()

	client := api.New(cfg.Sink)
	if err := client.Connect(ctx); err != nil {
		logger.Warningf("Database at %s not reachable yet, uploads fail until it is: %v", cfg.Sink.URL, err)
	}
	// Start background heartbeat
	go client.Heartbeat(ctx, cfg.Sink.HeartbeatInterval, func(f string, v ...interface{}) {
		logger.Warningf(f, v...)
	})

	if len(cfg.Listeners) == 0 {
		logger.Info("No listeners configured. Idling...")
		<-ctx.Done()
		return nil
	}

	var wg sync.WaitGroup
	var listeners []*core.Listener

	for _, lc := range cfg.Listeners {
		l, err := core.New(client, lc, core.WithLogger(logger), core.WithHistory(history))
		if err != nil {
			logger.Errorf("[%s] Failed to configure listener: %v", lc.Name, err)
			continue
		}
		listeners = append(listeners, l)

		wg.Add(1)
		go func(l *core.Listener) {
			defer wg.Done()
			if err := l.Start(context.Background()); err != nil {
				logger.Errorf("[%s] Listener stopped: %v", l.Name(), err)
			}
		}(l)
	}

	go func() {
		<-ctx.Done()
		for _, l := range listeners {
			l.Stop()
		}
	}()

	wg.Wait()
	for _, l := range listeners {
		if n := l.ActivePollers(); n > 0 {
			logger.Warningf("[%s] Exiting with %d locked files still polling", l.Name(), n)
		}
		l.Close()
	}
	logger.Info("JSON Listener stopped")
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the listeners in the foreground",
	Long:  `Runs the watch loops directly. Also the entry point used by the service manager.`,
	Run: func(cmd *cobra.Command, args []string) {
		if service.Interactive() {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := RunAgent(ctx, nil); err != nil {
				log.Fatalf("JSON Listener failed: %v", err)
			}
		} else {
			// When running as a service, we MUST call s.Run() to check-in with the service manager
			s, err := getService(viper.ConfigFileUsed())
			if err != nil {
				log.Fatalf("Failed to initialize service: %v", err)
			}
			if err := s.Run(); err != nil {
				log.Fatalf("Service exited: %v", err)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
