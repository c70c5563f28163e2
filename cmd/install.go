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
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gitlab.com/tozd/go/errors"
)

const serviceName = "JsonListener"

// program implements the service.Interface
type program struct {
	svc    service.Service
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, s)
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(time.Minute):
		return errors.New("listeners did not stop within a minute")
	}
	return nil
}

func (p *program) run(ctx context.Context, s service.Service) {
	defer close(p.done)

	var svcLogger service.Logger
	if l, err := s.Logger(nil); err == nil {
		svcLogger = l
	}
	if err := RunAgent(ctx, svcLogger); err != nil {
		if svcLogger != nil {
			svcLogger.Errorf("JSON Listener failed: %v", err)
		} else {
			log.Printf("JSON Listener failed: %v", err)
		}
	}
}

func getService(configPath string) (service.Service, error) {
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if debugMode {
		args = append(args, "--debug")
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "JSON Listener",
		Description: "Watches configured folders and posts new JSON files to a remote database.",
		Arguments:   args,
	}

	prg := &program{}
	return service.New(prg, svcConfig)
}

// controlService builds a handle used only to control an installed service.
func controlService() (service.Service, error) {
	return service.New(&program{}, &service.Config{Name: serviceName})
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install JSON Listener as a system service",
	Run: func(cmd *cobra.Command, args []string) {
		// Find current config file to pass to the service
		configPath := viper.ConfigFileUsed()
		if configPath == "" {
			fmt.Println("Error: No config file found. Please run 'jsonlistener sink set' and 'jsonlistener listener add' first.")
			return
		}

		s, err := getService(configPath)
		if err != nil {
			fmt.Printf("Setup failed: %v\n", err)
			return
		}

		// Check if already installed
		status, err := s.Status()
		if err == nil {
			fmt.Println("JSON Listener is already installed.")
			if status == service.StatusRunning {
				fmt.Println("Service is currently RUNNING.")
			} else {
				fmt.Println("Service is currently STOPPED.")
			}
			fmt.Println("Use 'jsonlistener restart' to apply config changes, or 'jsonlistener uninstall' to remove it.")
			return
		}

		fmt.Println("Installing JSON Listener Service...")
		if err := s.Install(); err != nil {
			fmt.Printf("Failed to install: %v\n", err)
			fmt.Println("Hint: Ensure you are running as Administrator/root.")
			return
		}
		fmt.Println("Service installed successfully.")

		fmt.Println("Starting service...")
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start: %v\n", err)
			return
		}
		fmt.Println("Service started.")
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the JSON Listener Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := controlService()
		if err != nil {
			fmt.Println(err)
			return
		}

		// Ignore stop errors, it might not be running
		_ = s.Stop()

		if err := s.Uninstall(); err != nil {
			fmt.Printf("Failed to uninstall: %v\n", err)
			return
		}
		fmt.Println("Service uninstalled.")
	},
}

// serviceAction builds the start/stop/restart commands, which differ only in verb.
func serviceAction(use, short, verb string, action func(service.Service) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			s, err := controlService()
			if err != nil {
				fmt.Println(err)
				return
			}

			fmt.Printf("%s JSON Listener Service...\n", verb)
			if err := action(s); err != nil {
				fmt.Printf("Failed to %s: %v\n", use, err)
				return
			}
			fmt.Printf("Service %s.\n", pastTense[use])
		},
	}
}

var pastTense = map[string]string{
	"start":   "started",
	"stop":    "stopped",
	"restart": "restarted",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the JSON Listener Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := controlService()
		if err != nil {
			fmt.Println(err)
			return
		}

		status, err := s.Status()
		if err != nil {
			fmt.Printf("Could not get status: %v\n", err)
			return
		}

		statusStr := "Unknown"
		switch status {
		case service.StatusRunning:
			statusStr = "Running"
		case service.StatusStopped:
			statusStr = "Stopped"
		}

		fmt.Printf("JSON Listener Service Status: %s\n", statusStr)
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(serviceAction("start", "Start the JSON Listener Service", "Starting", service.Service.Start))
	rootCmd.AddCommand(serviceAction("stop", "Stop the JSON Listener Service", "Stopping", service.Service.Stop))
	rootCmd.AddCommand(serviceAction("restart", "Restart the JSON Listener Service", "Restarting", service.Service.Restart))
	rootCmd.AddCommand(statusCmd)
}
