package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks values that would otherwise only fail at first use.
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgsql", "mysql", "mariadb":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}

	switch strings.ToLower(c.SMTP.Encryption) {
	case "", "none", "starttls", "ssl", "tls":
	default:
		problems = append(problems, fmt.Sprintf("smtp.encryption %q must be none, starttls or ssl", c.SMTP.Encryption))
	}
	switch strings.ToLower(c.SMTP.AuthType) {
	case "", "plain", "login":
	default:
		problems = append(problems, fmt.Sprintf("smtp.auth_type %q must be plain or login", c.SMTP.AuthType))
	}

	for key, spec := range map[string]string{
		"mailbox.schedule": c.Mailbox.Schedule,
		"queue.schedule":   c.Queue.Schedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
		}
	}

	if c.Queue.BatchSize < 0 {
		problems = append(problems, "queue.batch_size must not be negative")
	}
	if c.Mailbox.ConnectAttempts < 0 {
		problems = append(problems, "mailbox.connect_attempts must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Redacted returns a copy of c with every secret field masked.
func (c *Config) Redacted() *Config {
	out := *c
	redact(reflect.ValueOf(&out).Elem())
	out.Support.BlockedSenders = append([]string(nil), c.Support.BlockedSenders...)
	return &out
}

func redact(v reflect.Value) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		switch {
		case f.Kind() == reflect.Struct:
			redact(f)
		case f.Kind() == reflect.String && t.Field(i).Tag.Get("secret") == "true" && f.String() != "":
			f.SetString("********")
		}
	}
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
