package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"riskmonitor/cmd/monitor"
	"riskmonitor/src/security"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Risk Monitor CMD"
	app.Usage = "The options risk monitor command line interface"

	app.Commands = []cli.Command{
		monitorCMD,
		hashTokenCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	monitorCMD = cli.Command{
		Name:        "monitor",
		Usage:       "run Monitor",
		Action:      monitorAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the position monitor and its HTTP command API`,
	}
	hashTokenCMD = cli.Command{
		Name:        "hashtoken",
		Usage:       "hash an API token",
		Action:      hashTokenAction,
		ArgsUsage:   "<token>",
		Flags:       []cli.Flag{},
		Description: `Print the bcrypt hash to set as API_TOKEN_HASH`,
	}
)

func monitorAction(_ *cli.Context) error {

	logrus.Info("Starting monitor CMD")
	logrus.WithField("cmd", "monitor")

	riskMonitor := &monitor.Monitor{}
	err := riskMonitor.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func hashTokenAction(c *cli.Context) error {
	token := c.Args().First()
	if token == "" {
		return fmt.Errorf("usage: hashtoken <token>")
	}

	hash, err := security.HashToken(token)
	if err != nil {
		logrus.WithError(err).Error("Failed to hash token")
		return err
	}

	fmt.Println(hash)
	return nil
}
