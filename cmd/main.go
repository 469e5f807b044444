/*
Copyright 2024 Blnk Finance Authors.

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

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/config"
	"github.com/blnkfinance/settle/database"
	"github.com/blnkfinance/settle/internal/notification"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Settle represents the CLI application, encapsulating the root Cobra command.
type Settle struct {
	cmd *cobra.Command
}

// settleInstance holds the runtime collaborators shared by the commands.
// Only cnf is set by preRun; the engine is built on demand by setup so the
// migrate command does not need Redis.
type settleInstance struct {
	settle *settle.Settle
	queue  *settle.Queue
	redis  *redis_db.Redis
	cnf    *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any command runs.
func preRun(app *settleInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf
		return nil
	}
}

// setup connects the datasource, Redis and the queue and builds the engine.
func (app *settleInstance) setup() error {
	if app.settle != nil {
		return nil
	}
	s, queue, rdb, err := setupSettle(app.cnf)
	if err != nil {
		notification.NotifyError(err)
		return err
	}
	app.settle, app.queue, app.redis = s, queue, rdb
	return nil
}

func (app *settleInstance) close() {
	if app.queue != nil {
		_ = app.queue.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
}

func setupSettle(cfg *config.Configuration) (*settle.Settle, *settle.Queue, *redis_db.Redis, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error getting datasource: %v", err)
	}

	rdb, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error connecting to redis: %v", err)
	}

	queue, err := settle.NewQueue(cfg)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, nil, err
	}

	s, err := settle.NewSettle(cfg, db, rdb.Client(), queue)
	if err != nil {
		_ = queue.Close()
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("error creating settle: %v", err)
	}
	return s, queue, rdb, nil
}

// NewCLI creates the root command and its subcommands.
func NewCLI() *Settle {
	var configFile string
	app := &settleInstance{}

	var rootCmd = &cobra.Command{
		Use:   "settle",
		Short: "Event dispatcher and saga engine for money movement",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./settle.json", "Configuration file for settle")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(eventCommands(app))
	rootCmd.AddCommand(transferCommands(app))
	rootCmd.AddCommand(anticipationCommands(app))
	rootCmd.AddCommand(recoverCommand(app))

	return &Settle{cmd: rootCmd}
}

func (w Settle) executeCLI() {
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
