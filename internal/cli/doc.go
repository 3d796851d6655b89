// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the cobra command tree for rigrun-adapter.
//
// Every command builds a config store from --config (or the default path),
// builds a zap logger from the loaded config and drives a service.Service.
// Secrets in the config file are sealed with the passphrase from the
// RIGRUN_ADAPTER_SECRET_KEY environment variable.
//
// # Commands
//
//   - chat: send one message, or read messages line by line
//   - status: service, session, usage and rate budget
//   - auth: authenticate, optionally saving the login
//   - config show|set|backup|restore|list-backups
//   - conversations list [--query]|delete: archived conversations
//
// All commands accept --json for machine-readable output.
//
// # Usage
//
//	func main() {
//	    os.Exit(cli.Execute())
//	}
package cli
