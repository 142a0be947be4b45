/*
Copyright 2025 Vest Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vestfi/vest"
	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/database"
	"github.com/vestfi/vest/internal/notification"
)

// Cli encapsulates the root Cobra command.
type Cli struct {
	cmd *cobra.Command
}

// vestInstance holds the engine instance and its configuration for use by
// subcommands.
type vestInstance struct {
	vest *vest.Vest
	cnf  *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and initializes the engine before any
// command runs.
func preRun(app *vestInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("vest.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newVest, err := setupVest(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.vest = newVest
		app.cnf = cnf

		return nil
	}
}

// setupVest connects the datasource and builds the engine from it.
func setupVest(cfg *config.Configuration) (*vest.Vest, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newVest, err := vest.NewVest(db)
	if err != nil {
		return nil, fmt.Errorf("error creating vest: %v", err)
	}
	return newVest, nil
}

// NewCLI assembles the command-line interface: the worker process, the manual
// accrual trigger and schema migration.
func NewCLI() *Cli {
	var configFile string
	v := &vestInstance{}

	var rootCmd = &cobra.Command{
		Use:   "vest",
		Short: "benefit accrual engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./vest.json", "Configuration file for the accrual engine")

	rootCmd.PersistentPreRunE = preRun(v)

	rootCmd.AddCommand(workerCommands(v))
	rootCmd.AddCommand(accrualCommands(v))
	rootCmd.AddCommand(outboxCommands(v))
	rootCmd.AddCommand(migrateCommands(v))

	return &Cli{cmd: rootCmd}
}

func (w Cli) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
