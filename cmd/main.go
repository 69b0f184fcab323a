package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"vaultexecutor/cmd/scheduler"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "vaultexecutor CMD"
	app.Usage = "The vaultexecutor command line interface"

	app.Commands = []cli.Command{
		schedulerCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var schedulerCMD = cli.Command{
	Name:        "scheduler",
	Usage:       "run the trigger sweep scheduler",
	Action:      schedulerAction,
	ArgsUsage:   "",
	Flags:       []cli.Flag{},
	Description: `Periodically evaluates every active position and executes met triggers`,
}

func schedulerAction(_ *cli.Context) error {
	logrus.Info("Starting scheduler CMD")

	sched := &scheduler.Scheduler{}
	if err := sched.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}
