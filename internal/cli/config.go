// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-adapter/internal/config"
	"github.com/jeranaias/rigrun-adapter/internal/security"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and manage the configuration",
		Long: `Manage the adapter configuration file.

Examples:
  rigrun-adapter config show
  rigrun-adapter config set model gpt-4o
  rigrun-adapter config set generation.temperature 0.2
  rigrun-adapter config backup
  rigrun-adapter config list-backups
  rigrun-adapter config restore config-20250314-150926.000.toml`,
	}
	cmd.AddCommand(
		newConfigShowCommand(a),
		newConfigSetCommand(a),
		newConfigBackupCommand(a),
		newConfigRestoreCommand(a),
		newConfigListBackupsCommand(a),
	)
	return cmd
}

func newConfigShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			store, err := a.openStore()
			if err != nil {
				return err
			}
			cfg := redacted(store.Config())
			if a.jsonOutput {
				return NewJSONResponse("config show", cfg).Print(a.stdout)
			}
			fmt.Fprintf(a.stdout, "# %s\n", store.Path())
			return toml.NewEncoder(a.stdout).Encode(cfg)
		},
	}
}

// redacted replaces every secret in cfg with a fingerprint.
func redacted(cfg *config.Config) *config.Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return security.Redact(s) + " " + security.Fingerprint(s)
	}
	cfg.APIKey = mask(cfg.APIKey)
	if c := cfg.Credentials; c != nil {
		c.Password = mask(c.Password)
		c.AccessToken = mask(c.AccessToken)
		c.RefreshToken = mask(c.RefreshToken)
		c.SessionToken = mask(c.SessionToken)
	}
	return cfg
}

func newConfigSetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration value",
		Long: `Set one configuration value, validate the result and save it.

Keys:
  ` + strings.Join(settableKeys(), "\n  "),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			p, err := patchFor(args[0], args[1])
			if err != nil {
				return err
			}
			svc, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Destroy()

			if _, err := svc.UpdateConfiguration(p); err != nil {
				return describeError(err)
			}
			if a.jsonOutput {
				return NewJSONResponse("config set", map[string]string{"key": args[0]}).Print(a.stdout)
			}
			fmt.Fprintf(a.stdout, "Set %s\n", args[0])
			return nil
		},
	}
}

func newConfigBackupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			svc, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Destroy()

			path, err := svc.BackupConfiguration()
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return NewJSONResponse("config backup", map[string]string{"path": path}).Print(a.stdout)
			}
			fmt.Fprintf(a.stdout, "Backed up to %s\n", path)
			return nil
		},
	}
}

func newConfigRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup>",
		Short: "Validate and activate a configuration backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			svc, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Destroy()

			if _, err := svc.RestoreConfiguration(args[0]); err != nil {
				return describeError(err)
			}
			if a.jsonOutput {
				return NewJSONResponse("config restore", map[string]string{"backup": args[0]}).Print(a.stdout)
			}
			fmt.Fprintf(a.stdout, "Restored %s\n", args[0])
			return nil
		},
	}
}

func newConfigListBackupsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups",
		Short: "List configuration backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			svc, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Destroy()

			backups, err := svc.ListBackups()
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return NewJSONResponse("config list-backups", backups).Print(a.stdout)
			}
			if len(backups) == 0 {
				fmt.Fprintln(a.stdout, "No backups.")
				return nil
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCREATED\tSIZE")
			for _, b := range backups {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", b.Name, b.CreatedAt.Local().Format("2006-01-02 15:04:05"), b.Size)
			}
			return tw.Flush()
		},
	}
}

// =============================================================================
// KEY SETTERS
// =============================================================================

type setter func(p *config.Patch, value string) error

func stringSetter(field func(p *config.Patch) **string) setter {
	return func(p *config.Patch, v string) error {
		*field(p) = &v
		return nil
	}
}

func intSetter(field func(p *config.Patch) **int) setter {
	return func(p *config.Patch, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(p) = &n
		return nil
	}
}

func floatSetter(field func(p *config.Patch) **float64) setter {
	return func(p *config.Patch, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		*field(p) = &f
		return nil
	}
}

func gen(p *config.Patch) *config.GenerationPatch {
	if p.Generation == nil {
		p.Generation = &config.GenerationPatch{}
	}
	return p.Generation
}

func retry(p *config.Patch) *config.RetryPatch {
	if p.Retry == nil {
		p.Retry = &config.RetryPatch{}
	}
	return p.Retry
}

func rateLimit(p *config.Patch) *config.RateLimitPatch {
	if p.RateLimit == nil {
		p.RateLimit = &config.RateLimitPatch{}
	}
	return p.RateLimit
}

func sess(p *config.Patch) *config.SessionPatch {
	if p.Session == nil {
		p.Session = &config.SessionPatch{}
	}
	return p.Session
}

func logs(p *config.Patch) *config.LoggingPatch {
	if p.Logging == nil {
		p.Logging = &config.LoggingPatch{}
	}
	return p.Logging
}

var setters = map[string]setter{
	"mode": func(p *config.Patch, v string) error {
		m := config.Mode(strings.ToLower(v))
		p.Mode = &m
		return nil
	},
	"enabled": func(p *config.Patch, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		p.Enabled = &b
		return nil
	},
	"base_url":      stringSetter(func(p *config.Patch) **string { return &p.BaseURL }),
	"model":         stringSetter(func(p *config.Patch) **string { return &p.Model }),
	"system_prompt": stringSetter(func(p *config.Patch) **string { return &p.SystemPrompt }),
	"api_key":       stringSetter(func(p *config.Patch) **string { return &p.APIKey }),
	"timeout_ms":    intSetter(func(p *config.Patch) **int { return &p.TimeoutMs }),

	"generation.max_tokens":        intSetter(func(p *config.Patch) **int { return &gen(p).MaxTokens }),
	"generation.temperature":       floatSetter(func(p *config.Patch) **float64 { return &gen(p).Temperature }),
	"generation.top_p":             floatSetter(func(p *config.Patch) **float64 { return &gen(p).TopP }),
	"generation.frequency_penalty": floatSetter(func(p *config.Patch) **float64 { return &gen(p).FrequencyPenalty }),
	"generation.presence_penalty":  floatSetter(func(p *config.Patch) **float64 { return &gen(p).PresencePenalty }),

	"retry.count":    intSetter(func(p *config.Patch) **int { return &retry(p).Count }),
	"retry.delay_ms": intSetter(func(p *config.Patch) **int { return &retry(p).DelayMs }),

	"rate_limit.requests_per_minute": intSetter(func(p *config.Patch) **int { return &rateLimit(p).RequestsPerMinute }),
	"rate_limit.tokens_per_minute":   intSetter(func(p *config.Patch) **int { return &rateLimit(p).TokensPerMinute }),

	"session.refresh_interval_secs":  intSetter(func(p *config.Patch) **int { return &sess(p).RefreshIntervalSecs }),
	"session.refresh_threshold_secs": intSetter(func(p *config.Patch) **int { return &sess(p).RefreshThresholdSecs }),
	"session.default_lifetime_secs":  intSetter(func(p *config.Patch) **int { return &sess(p).DefaultLifetimeSecs }),

	"storage.archive_path": func(p *config.Patch, v string) error {
		p.Storage = &config.StoragePatch{ArchivePath: &v}
		return nil
	},

	"logging.level":  stringSetter(func(p *config.Patch) **string { return &logs(p).Level }),
	"logging.format": stringSetter(func(p *config.Patch) **string { return &logs(p).Format }),
	"logging.file":   stringSetter(func(p *config.Patch) **string { return &logs(p).File }),

	"credentials.email": func(p *config.Patch, v string) error {
		p.Credentials = &config.Credentials{Email: v}
		return nil
	},
}

// patchFor builds a Patch that sets key to value.
func patchFor(key, value string) (*config.Patch, error) {
	set, ok := setters[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", key)
	}
	p := &config.Patch{}
	if err := set(p, value); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return p, nil
}

func settableKeys() []string {
	keys := make([]string, 0, len(setters))
	for k := range setters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
