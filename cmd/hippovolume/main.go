package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"ikh/hippovolume/internal/bininfo"
)

func main() {
	app := &cli.App{
		Name:        "hippovolume",
		Usage:       "hippocampal volume measurement for the radiology workflow",
		Description: "Watches a PACS routing folder for HippoCrop series, segments the hippocampus with a U-Net served by a model server and sends a volumetric report back to the archive.",
		Version:     bininfo.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Value:   "/app/config.yaml",
				EnvVars: []string{"HIPPOVOLUME_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			watchCommand(),
			inferCommand(),
			evaluateCommand(),
			versionCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("failed to run app")
	}
}
