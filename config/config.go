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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

var ConfigStore atomic.Value

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"VEST_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"VEST_REDIS_DNS"`
}

// AccrualConfig drives the daily benefit/commission pass. RunAt is the
// wall-clock hour of the daily trigger in the operational timezone, which is
// fixed and independent of the server locale.
type AccrualConfig struct {
	Timezone           string `json:"timezone" envconfig:"VEST_ACCRUAL_TIMEZONE"`
	RunAtHour          int    `json:"run_at_hour" envconfig:"VEST_ACCRUAL_RUN_AT_HOUR"`
	MaxCatchupDays     int    `json:"max_catchup_days" envconfig:"VEST_ACCRUAL_MAX_CATCHUP_DAYS"`
	PaymentWindowHours int    `json:"payment_window_hours" envconfig:"VEST_ACCRUAL_PAYMENT_WINDOW_HOURS"`
}

// CommissionConfig describes the referral payout schedule seeded on purchase
// confirmation: the day offsets each level unlocks on and the percentage of
// the principal it pays.
type CommissionConfig struct {
	ReferrerDay  int    `json:"referrer_day" envconfig:"VEST_COMMISSION_REFERRER_DAY"`
	ParentDay    int    `json:"parent_day" envconfig:"VEST_COMMISSION_PARENT_DAY"`
	ReferrerRate string `json:"referrer_rate" envconfig:"VEST_COMMISSION_REFERRER_RATE"`
	ParentRate   string `json:"parent_rate" envconfig:"VEST_COMMISSION_PARENT_RATE"`
}

// OutboxConfig tunes the dispatcher poll loop and retention.
type OutboxConfig struct {
	PollIntervalSec int `json:"poll_interval_sec" envconfig:"VEST_OUTBOX_POLL_INTERVAL_SEC"`
	BatchSize       int `json:"batch_size" envconfig:"VEST_OUTBOX_BATCH_SIZE"`
	MaxAttempts     int `json:"max_attempts" envconfig:"VEST_OUTBOX_MAX_ATTEMPTS"`
	RetentionDays   int `json:"retention_days" envconfig:"VEST_OUTBOX_RETENTION_DAYS"`
}

type QueueConfig struct {
	WebhookQueue string `json:"webhook_queue" envconfig:"VEST_QUEUE_WEBHOOK"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"VEST_PROJECT_NAME"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Accrual      AccrualConfig    `json:"accrual"`
	Commission   CommissionConfig `json:"commission"`
	Outbox       OutboxConfig     `json:"outbox"`
	Queue        QueueConfig      `json:"queue"`
	Notification Notification     `json:"notification"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("vest", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called vest.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Vest Server"
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Accrual.Timezone == "" {
		cnf.Accrual.Timezone = "UTC"
		log.Println("Warning: Accrual timezone not specified. Defaulting to UTC.")
	}
	if _, err := time.LoadLocation(cnf.Accrual.Timezone); err != nil {
		return errors.New("invalid accrual timezone: " + cnf.Accrual.Timezone)
	}
	if cnf.Accrual.RunAtHour <= 0 {
		cnf.Accrual.RunAtHour = 3
	}
	if cnf.Accrual.MaxCatchupDays <= 0 {
		cnf.Accrual.MaxCatchupDays = 7
	}
	if cnf.Accrual.PaymentWindowHours <= 0 {
		cnf.Accrual.PaymentWindowHours = 24
	}

	if cnf.Commission.ReferrerDay <= 0 {
		cnf.Commission.ReferrerDay = 8
	}
	if cnf.Commission.ParentDay <= 0 {
		cnf.Commission.ParentDay = 17
	}
	if cnf.Commission.ReferrerRate == "" {
		cnf.Commission.ReferrerRate = "5"
	}
	if cnf.Commission.ParentRate == "" {
		cnf.Commission.ParentRate = "2"
	}

	if cnf.Outbox.PollIntervalSec <= 0 {
		cnf.Outbox.PollIntervalSec = 5
	}
	if cnf.Outbox.BatchSize <= 0 {
		cnf.Outbox.BatchSize = 50
	}
	if cnf.Outbox.MaxAttempts <= 0 {
		cnf.Outbox.MaxAttempts = 5
	}
	if cnf.Outbox.RetentionDays <= 0 {
		cnf.Outbox.RetentionDays = 7
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	return nil
}

// OperationalLocation resolves the fixed accrual timezone. The configuration
// is validated at load time, so a failure here means a programming error.
func (cnf *Configuration) OperationalLocation() *time.Location {
	loc, err := time.LoadLocation(cnf.Accrual.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if err := mockConfig.validateAndAddDefaults(); err != nil {
		logrus.Warn(err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
