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
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// outboxCommands groups the operational tooling for the delivery pipeline:
// a one-shot dispatch, the retention purge and dead-letter inspection.
func outboxCommands(v *vestInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "manage the event delivery pipeline",
	}

	cmd.AddCommand(outboxDispatchCommand(v))
	cmd.AddCommand(outboxPurgeCommand(v))
	cmd.AddCommand(outboxDeadLettersCommand(v))

	return cmd
}

func outboxDispatchCommand(v *vestInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "dispatch one batch of pending events",
		Run: func(cmd *cobra.Command, args []string) {
			stats, err := v.vest.DispatchOutbox(context.Background())
			if err != nil {
				log.Fatalf("dispatch failed: %v", err)
			}
			fmt.Printf("Dispatched batch: published=%d failed=%d\n", stats.Processed, stats.Errors)
		},
	}
}

func outboxPurgeCommand(v *vestInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "delete published events past retention",
		Run: func(cmd *cobra.Command, args []string) {
			purged, err := v.vest.PurgeOutbox(context.Background())
			if err != nil {
				log.Fatalf("purge failed: %v", err)
			}
			fmt.Printf("Purged %d published events.\n", purged)
		},
	}
}

func outboxDeadLettersCommand(v *vestInstance) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "list events that exhausted their delivery attempts",
		Run: func(cmd *cobra.Command, args []string) {
			events, err := v.vest.GetDeadLetteredEvents(context.Background(), limit)
			if err != nil {
				log.Fatalf("listing dead letters failed: %v", err)
			}
			if len(events) == 0 {
				fmt.Println("No dead-lettered events.")
				return
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(events); err != nil {
				log.Fatalf("encoding events: %v", err)
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to list")

	return cmd
}
