// Command gpusync replays recording scenarios against the synchronization
// engine on the noop backend and prints every synchronization command it
// emits.
//
// Usage:
//
//	gpusync replay scenario.yaml [--config gpusync.yaml] [--fallback always] [--verbose]
//	gpusync version
package main

import (
	"log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("gpusync: %v", err)
	}
}
