package main

import (
	"log"

	"github.com/austindbirch/harbor_trace/cmd/harbortrace/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
