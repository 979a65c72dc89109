// Command sgcache is a site-local caching proxy for a hosted
// project-tracking server's API. It answers reads from a local SQLite
// mirror, writes through to the upstream, and keeps itself current by
// following the event log and periodically scanning for changes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
