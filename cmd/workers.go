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
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vestfi/vest"
	"github.com/vestfi/vest/config"
	redis_db "github.com/vestfi/vest/internal/redis-db"
)

// Task type names for the periodic jobs driven by the scheduler.
const (
	taskDailyAccrual   = "accrual:daily"
	taskOutboxDispatch = "outbox:dispatch"
	taskOutboxPurge    = "outbox:purge"
	taskExpirePending  = "purchases:expire"
)

// processDailyAccrual runs the daily benefit and commission pass, catch-up
// included, when the scheduler fires.
func (v *vestInstance) processDailyAccrual(ctx context.Context, _ *asynq.Task) error {
	stats, err := v.vest.RunAccrual(ctx, "automatic")
	if err != nil {
		logrus.Errorf("daily accrual failed: %v", err)
		return err
	}
	log.Printf(" [*] Daily accrual done: processed=%d skipped=%d", stats.Processed, stats.Skipped)
	return nil
}

// processOutboxDispatch drains one batch of due outbox events.
func (v *vestInstance) processOutboxDispatch(ctx context.Context, _ *asynq.Task) error {
	_, err := v.vest.DispatchOutbox(ctx)
	return err
}

// processOutboxPurge removes published events past retention.
func (v *vestInstance) processOutboxPurge(ctx context.Context, _ *asynq.Task) error {
	_, err := v.vest.PurgeOutbox(ctx)
	return err
}

// processExpirePending sweeps purchases whose payment window lapsed.
func (v *vestInstance) processExpirePending(ctx context.Context, _ *asynq.Task) error {
	_, err := v.vest.ExpireStalePurchases(ctx)
	return err
}

func initializeQueues(cfg *config.Configuration) map[string]int {
	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3
	queues["default"] = 1
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisOption.Addr,
			Password: redisOption.Password,
			DB:       redisOption.DB,
		},
		asynq.Config{
			Concurrency: 4,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(v *vestInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	mux.HandleFunc(taskDailyAccrual, v.processDailyAccrual)
	mux.HandleFunc(taskOutboxDispatch, v.processOutboxDispatch)
	mux.HandleFunc(taskOutboxPurge, v.processOutboxPurge)
	mux.HandleFunc(taskExpirePending, v.processExpirePending)
	mux.HandleFunc(cfg.Queue.WebhookQueue, vest.ProcessWebhook)
}

// initializeScheduler registers the periodic entries: the daily accrual at
// the configured hour in the operational timezone, the outbox poll, the
// retention purge and the payment-window sweep.
func initializeScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     redisOption.Addr,
			Password: redisOption.Password,
			DB:       redisOption.DB,
		},
		&asynq.SchedulerOpts{
			Location: conf.OperationalLocation(),
		},
	)

	entries := []struct {
		spec string
		task *asynq.Task
	}{
		{fmt.Sprintf("0 %d * * *", conf.Accrual.RunAtHour), asynq.NewTask(taskDailyAccrual, nil)},
		{fmt.Sprintf("@every %ds", conf.Outbox.PollIntervalSec), asynq.NewTask(taskOutboxDispatch, nil)},
		{"@every 24h", asynq.NewTask(taskOutboxPurge, nil)},
		{"@every 1h", asynq.NewTask(taskExpirePending, nil)},
	}
	for _, entry := range entries {
		if _, err := scheduler.Register(entry.spec, entry.task); err != nil {
			return nil, fmt.Errorf("error registering %s: %v", entry.task.Type(), err)
		}
	}
	return scheduler, nil
}

// workerCommands defines the "workers" command: the asynq worker pool plus
// the scheduler driving the periodic jobs.
func workerCommands(v *vestInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start vest workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues(conf)

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(v, mux)

			scheduler, err := initializeScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("could not run scheduler: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
