// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small file and string helpers shared by the config store
// and the conversation archive.
//
// WriteFileAtomic is the only way the adapter writes state to disk: temp file
// in the target directory, fsync, chmod, rename.
package util
