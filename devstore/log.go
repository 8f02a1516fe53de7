// Copyright (c) 2026 The vaultsig developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package devstore

import "github.com/btcsuite/btclog"

// log is a logger that is initialized with no output filters. This means
// the package will not perform any logging by default until the caller
// requests it.
var log = btclog.Disabled

// DisableLog disables all library log output.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
