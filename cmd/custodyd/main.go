package main

import (
	"log"

	"custodyfleet/services/custodyd"
)

func main() {
	if err := custodyd.Main(); err != nil {
		log.Fatalf("custodyd: %v", err)
	}
}
