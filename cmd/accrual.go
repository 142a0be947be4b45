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
	"time"

	"github.com/spf13/cobra"
)

// accrualCommands creates the manual trigger for the daily benefit pass.
// Without flags it runs the same catch-up pass the scheduler would; --date
// reruns one specific day, and --force reprocesses a day that already
// completed (idempotency keys still prevent double payment).
func accrualCommands(v *vestInstance) *cobra.Command {
	var date string
	var force bool

	cmd := &cobra.Command{
		Use:   "accrual",
		Short: "run the daily benefit and commission pass",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			if date == "" {
				stats, err := v.vest.RunAccrual(ctx, "manual")
				if err != nil {
					log.Fatalf("accrual failed: %v", err)
				}
				fmt.Printf("Accrual complete: processed=%d skipped=%d errors=%d\n", stats.Processed, stats.Skipped, stats.Errors)
				return
			}

			if _, err := time.Parse("2006-01-02", date); err != nil {
				log.Fatalf("invalid --date %q, expected YYYY-MM-DD", date)
			}

			stats, err := v.vest.ProcessDate(ctx, date, "manual", force)
			if err != nil {
				log.Fatalf("accrual for %s failed: %v", date, err)
			}
			fmt.Printf("Accrual for %s complete: processed=%d skipped=%d errors=%d\n", date, stats.Processed, stats.Skipped, stats.Errors)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "process a single date (YYYY-MM-DD) instead of the catch-up pass")
	cmd.Flags().BoolVar(&force, "force", false, "reprocess the date even if its run already completed")

	return cmd
}
