// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Pertest runs packet error rate and link quality tests between two LoRa radios.
//
// One device starts a run, either from its push button, from an MQTT message, or from the
// command line, and its peer answers automatically. Each side logs a report when the run ends
// and, when a broker is configured, publishes it as JSON.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
