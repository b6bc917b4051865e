// Copyright 2025 The GMP Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testutil provides helper functions for netstack unit tests.
package testutil

import (
	"fmt"
	"net/netip"

	"gmp.dev/gmp/pkg/tcpip"
)

// MustParse4 parses addr as an IPv4 address and panics on failure.
//
// MustParse4 is intended for tests and other code where convenience trumps
// graceful error handling.
func MustParse4(addr string) tcpip.Address {
	ip, err := netip.ParseAddr(addr)
	if err != nil || !ip.Is4() {
		panic(fmt.Sprintf("MustParse4(%q): not a valid IPv4 address", addr))
	}
	return tcpip.AddrFrom4(ip.As4())
}
