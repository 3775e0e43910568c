// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 StoryKit Contributors

// Package resolver computes activation order for a set of extension
// descriptors from their declared semantic-version constraints. It
// detects missing dependencies, cycles, and constraint violations, each
// reported with the offending names.
package resolver

import (
	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// ParseVersion parses a strict `major.minor.patch` triple. Partial
// versions ("1.2"), leading "v", prerelease, and build metadata are all
// rejected: extension versions are plain triples, nothing else.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return nil, oops.In("resolver").Code("VERSION_INVALID").With("version", s).Wrap(err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return nil, oops.In("resolver").Code("VERSION_INVALID").With("version", s).
			New("version must be a plain major.minor.patch triple")
	}
	return v, nil
}
