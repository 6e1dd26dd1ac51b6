// Copyright 2026 The Credgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version stamped into credgate
// binaries at link time.
package version

import "fmt"

// Version is overridden by the build via
// -ldflags "-X github.com/credgate/credgate/lib/version.Version=v1.2.3".
var Version = "dev"

// Info returns the version string for logs and --version output.
func Info() string {
	return Version
}

// Print writes the standard --version line for the named binary.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Version)
}
