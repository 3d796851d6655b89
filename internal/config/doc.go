// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading, validation, secret sealing
// and backup/restore for the adapter.
//
// The configuration lives in a single file (TOML by default, JSON or YAML by
// extension) inside the adapter's config directory:
//   - ~/.rigrun-adapter/config.toml
//   - ~/.rigrun-adapter/backups/config-<timestamp>.toml
//
// Files are decoded into a Patch and merged over Default() field by field, so
// a key present in the file always wins and an absent key keeps its default.
//
// # Key Types
//
//   - Config: the full configuration record
//   - Patch: a partial record; nil fields are "not specified"
//   - Result: validation outcome (fatal Errors, advisory Warnings)
//   - Store: owns the config file, its backups and its watcher
//
// # Modes
//
// Public mode talks to the public API with an optional API key and never keeps
// a credential block. Authenticated mode requires email and password; entering
// it without an explicit base_url switches BaseURL to AuthenticatedBaseURL.
//
// # Secrets
//
// api_key, password and the session tokens are sealed with AES-256-GCM under a
// PBKDF2-derived key before they touch disk. A store without a secret key
// omits them from the file and logs a warning.
//
// # Usage
//
//	store, err := config.NewStore(path, config.WithSecretKey(os.Getenv("RIGRUN_ADAPTER_SECRET_KEY")))
//	if err != nil {
//	    return err
//	}
//	cfg, err := store.Load()
//
//	cfg, err = store.Update(&config.Patch{Model: config.Ptr("gpt-4o")})
//
//	backup, err := store.Backup()
//	cfg, err = store.Restore(filepath.Base(backup))
package config
