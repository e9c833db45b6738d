// Command tickdriver runs the Tick Driver (spec.md §4.6): forked by
// supervisord, it attaches the System Settings and Wakeup Table regions
// by id and periodically resumes every enrolled worker, exiting once the
// Supervisor is no longer observable.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/tickdriver"
)

func main() {
	app := cli.NewApp()
	app.Name = "tickdriver"
	app.Usage = "NODEFLOW Tick Driver process"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "shm-dir", EnvVar: "NODEFLOW_SHM_DIR", Usage: "base directory backing Shared Regions"},
		cli.IntFlag{Name: "settings-sem", Usage: "System Settings region semId"},
		cli.IntFlag{Name: "settings-shm", Usage: "System Settings region shmId"},
		cli.IntFlag{Name: "wakeup-sem", Usage: "Wakeup Table region semId"},
		cli.IntFlag{Name: "wakeup-shm", Usage: "Wakeup Table region shmId"},
		cli.IntFlag{Name: "supervisor-pid", Usage: "PID of the Supervisor process to watch"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logging.Default("tickdriver")

	if c.String("shm-dir") == "" {
		return fmt.Errorf("tickdriver: --shm-dir (or NODEFLOW_SHM_DIR) is required")
	}
	if c.Int("supervisor-pid") == 0 {
		return fmt.Errorf("tickdriver: --supervisor-pid is required")
	}

	d, err := tickdriver.New(tickdriver.Config{
		ShmBaseDir: c.String("shm-dir"),
		SettingsRegion: proto.RegionID{
			SemID: int32(c.Int("settings-sem")),
			ShmID: int32(c.Int("settings-shm")),
		},
		WakeupRegion: proto.RegionID{
			SemID: int32(c.Int("wakeup-sem")),
			ShmID: int32(c.Int("wakeup-shm")),
		},
		SupervisorPID: c.Int("supervisor-pid"),
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	err = d.Run(context.Background())
	if errors.Is(err, tickdriver.ErrSupervisorDead) {
		log.Info("supervisor no longer alive, exiting")
		return nil
	}
	return err
}
