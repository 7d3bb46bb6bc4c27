package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"ikh/hippovolume/internal/app"
	"ikh/hippovolume/internal/bininfo"
	"ikh/hippovolume/internal/config"
	"ikh/hippovolume/internal/dicomio"
	"ikh/hippovolume/internal/evaluation"
	"ikh/hippovolume/internal/inference"
	"ikh/hippovolume/internal/logger"
	"ikh/hippovolume/internal/pacs"
	"ikh/hippovolume/internal/pipeline"
)

// loadConfig reads the configuration and configures logging. Logging and
// configuration stay outside the fx graph since fx itself logs through them.
func loadConfig(c *cli.Context, overrides ...func(*config.Config)) (*config.Config, error) {
	path := c.String("config")
	if _, err := os.Stat(path); err != nil && c.IsSet("config") {
		return nil, errors.Wrap(err, "config file")
	} else if err != nil {
		// the default path is optional; defaults and env still apply
		path = ""
	}

	conf, err := config.ReadConfig(path, overrides...)
	if err != nil {
		return nil, err
	}
	logger.Configure(conf.Log)
	return conf, nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "watch the routing folder and report on every complete study",
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c)
			if err != nil {
				return err
			}
			app.New(conf).Run()
			return nil
		},
	}
}

func inferCommand() *cli.Command {
	return &cli.Command{
		Name:      "infer",
		Usage:     "process the most recent study in a routing folder once",
		ArgsUsage: "<routing-dir>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.ShowSubcommandHelp(c)
			}
			conf, err := loadConfig(c, func(conf *config.Config) {
				conf.DirectoryPath = c.Args().First()
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			studyDir, err := dicomio.LatestStudyDir(conf.DirectoryPath)
			if err != nil {
				return err
			}
			log.Info().Str("study", studyDir).Msg("processing latest study")

			sender, err := pacs.NewSender(conf.PACS)
			if err != nil {
				return err
			}
			predictor := app.NewPredictor(conf)
			p := pipeline.New(conf, pipeline.Deps{
				Agent:  inference.NewUNetAgent(predictor, conf.Model.PatchSize),
				Sender: sender,
			})

			res, err := p.Run(ctx, studyDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "patient %s: anterior %d, posterior %d, total %d voxels; report %s\n",
				res.Header.PatientID, res.Volumes.Anterior, res.Volumes.Posterior, res.Volumes.Total, res.ReportPath)
			return nil
		},
	}
}

func evaluateCommand() *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "score the model on the test split of a labelled NIfTI dataset",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Usage: "dataset root holding images/ and labels/", Required: true},
			&cli.StringFlag{Name: "out", Usage: "directory for results.json", Value: "."},
			&cli.StringFlag{Name: "name", Usage: "experiment name recorded in results.json", Value: "Basic_unet"},
			&cli.Int64Flag{Name: "seed", Usage: "split seed", Value: 0},
			&cli.IntFlag{Name: "parallel", Usage: "cases inferred at once", Value: runtime.NumCPU()},
		},
		Action: func(c *cli.Context) error {
			conf, err := loadConfig(c, func(conf *config.Config) {
				if conf.DirectoryPath == "" {
					conf.DirectoryPath = c.String("data")
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agent := inference.NewUNetAgent(app.NewPredictor(conf), conf.Model.PatchSize)
			res, err := evaluation.Run(ctx, evaluation.Options{
				Name:      c.String("name"),
				RootDir:   c.String("data"),
				OutDir:    c.String("out"),
				PatchSize: conf.Model.PatchSize,
				Seed:      c.Int64("seed"),
				ModelURL:  conf.Model.URL,
				Parallel:  c.Int("parallel"),
			}, agent)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "dice %.4f, jaccard %.4f, sensitivity %.4f, specificity %.4f over %d cases\n",
				res.Overall.MeanDice, res.Overall.MeanJaccard, res.Overall.MeanSensitivity, res.Overall.MeanSpecificity, len(res.VolumeStats))
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print build information",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "hippovolume %s (built %s, %s)\n", bininfo.Version, bininfo.BuildTime, runtime.Version())
			return err
		},
	}
}

