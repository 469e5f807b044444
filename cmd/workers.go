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
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/blnkfinance/settle"
	"github.com/blnkfinance/settle/config"
	redis_db "github.com/blnkfinance/settle/internal/redis-db"
	trace "github.com/blnkfinance/settle/internal/traces"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, redisOption, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	srv := asynq.NewServer(redisOption, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      settle.Queues(),
		Logger:      logrus.StandardLogger(),
	})
	return srv, redisOption, nil
}

// workerCommands defines the "workers" command. The process consumes every
// channel, serves asynqmon and runs the recovery sweeper.
func workerCommands(app *settleInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start settle workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.setup(); err != nil {
				log.Fatal(err)
			}
			defer app.close()

			shutdown, err := trace.SetupOTelSDK(ctx, "SETTLE", app.cnf.Observability.OtlpEndpoint)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, redisOption, err := initializeWorkerServer(app.cnf)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			app.settle.RegisterTaskHandlers(mux)

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: redisOption,
			})
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", app.cnf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			recovery := settle.NewRecoveryProcessor(app.settle)
			recovery.Start(ctx)
			defer recovery.Stop()

			if err := srv.Start(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
			<-ctx.Done()
			logrus.Info("shutting down workers")
			srv.Shutdown()
		},
	}

	return cmd
}
