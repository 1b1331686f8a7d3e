package main

import (
	"flag"
	"log"

	"github.com/deosjr/procamscan/scan"
)

func main() {
	configPath := flag.String("config", "./config.xml", "path to the scanner configuration file")
	flag.Parse()

	session, err := scan.NewSession(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	if err := session.Run(); err != nil {
		log.Fatal(err)
	}
}
