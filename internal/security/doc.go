// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security seals secrets at rest and keeps them out of logs.
//
// # Key Types
//
//   - SecretBox: AES-256-GCM sealing with a PBKDF2-SHA-256 derived key
//
// Sealed values are self-describing strings ("ENC:" + base64 of salt, nonce,
// ciphertext and tag), so they can sit in a TOML, JSON or YAML config file
// next to plaintext fields.
//
// # Usage
//
//	box, err := security.NewSecretBox(passphrase)
//	if err != nil {
//	    return err
//	}
//	sealed, err := box.Seal(apiKey)
//	...
//	plain, err := box.Open(sealed)
//
// Log an API key only through Fingerprint:
//
//	logger.Info("key loaded", zap.String("api_key", security.Fingerprint(key)))
package security
