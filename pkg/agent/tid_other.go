// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package agent

// Thread IDs are only tracked on Linux.
func gettid() int {
	return 0
}
