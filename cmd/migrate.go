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

	"github.com/spf13/cobra"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/database"
)

// migrateCommands creates the command that brings the database schema up to
// date. Every statement is idempotent, so running it repeatedly is safe.
func migrateCommands(_ *vestInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply the vest database schema",
	}

	cmd.AddCommand(migrateUpCommands())

	return cmd
}

func migrateUpCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use: "up",
		Run: func(cmd *cobra.Command, args []string) {
			cnf, err := config.Fetch()
			if err != nil {
				log.Printf("Error fetching config: %v", err)
				return
			}

			// ConnectDB applies the schema as part of opening the
			// connection.
			if _, err := database.ConnectDB(cnf.DataSource.Dns); err != nil {
				log.Printf("Error applying schema: %v", err)
				return
			}

			fmt.Println("Schema is up to date.")
		},
	}

	return cmd
}
