package main

import (
	"flag"
	"log"

	"github.com/danmuck/sshd/internal/config"
)

func main() {
	output := flag.String("output", "sshd.toml", "output path for the properties template")
	validate := flag.Bool("validate", false, "validate an existing properties file")
	input := flag.String("input", "sshd.toml", "properties path for validation")
	force := flag.Bool("force", false, "overwrite existing properties file")
	flag.Parse()

	if *validate {
		cfg, err := config.Validate(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s: port=%d key-files=%d overrides=%d",
			*input, cfg.Port, len(cfg.HostKeyFiles), cfg.Overrides.Len())
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote properties template to %s", *output)
}
