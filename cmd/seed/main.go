package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/seedworks/seed/internal/app"
)

func main() {
	if err := buildApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildApp() *cli.App {
	a := cli.NewApp()
	a.Name = "seed"
	a.Usage = "REST resources over MongoDB, SQLite or memory"
	a.Version = app.Version
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   joinFlagNames(configFlagName, "c"),
			Usage:  "YAML file with the resources list",
			EnvVar: "SEED_CONFIG",
		},
	}
	a.Commands = []cli.Command{
		serve(),
		initCommand(),
		migrate(),
		drop(),
		dump(),
	}
	return a
}
