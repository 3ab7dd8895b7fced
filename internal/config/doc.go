// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates, and hot-reloads the chatrelay
// configuration file.
//
// Configuration sources, in order of precedence:
//   - CHATRELAY_* environment variables
//   - the TOML file passed at startup
//   - built-in defaults
package config
