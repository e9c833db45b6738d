// Command supervisord runs the Supervisor (spec.md §4.5): it owns the
// System Settings and Wakeup Table regions, accepts operator connections
// on a TCP listener via the Command Dispatcher, and forks a Tick Driver
// child process to keep workers resumed on schedule.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli"

	"github.com/nodeflow-systems/nodeflow/internal/dispatch"
	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/supervisor"
)

// shmDirEnv is the variable spawned worker and Tick Driver processes read
// to find the base directory backing every Shared Region; it is set here
// so the processes exec.Command starts inherit it, the same way a
// pre-shared secret is threaded through an environment variable in
// kcptun's own CLI flags.
const shmDirEnv = "NODEFLOW_SHM_DIR"

func main() {
	app := cli.NewApp()
	app.Name = "supervisord"
	app.Usage = "NODEFLOW Supervisor process"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":7600", Usage: "TCP address operator front-ends dial"},
		cli.StringFlag{Name: "shm-dir", Value: shm.DefaultBaseDir(), Usage: "base directory backing Shared Regions"},
		cli.StringFlag{Name: "node-log-dir", Value: "./logs", Usage: "directory for per-node stderr logs"},
		cli.Int64Flag{Name: "tick-period-ms", Value: 10, Usage: "initial Tick Driver period"},
		cli.Int64Flag{Name: "tz-offset-sec", Value: 0, Usage: "UTC offset seconds for log directory formatting"},
		cli.BoolFlag{Name: "no-log", Usage: "start with worker DebugLog suppressed"},
		cli.StringFlag{Name: "tickdriver-path", Value: "tickdriver", Usage: "path to the tickdriver executable to fork"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logging.Default("supervisord")

	if err := os.MkdirAll(c.String("node-log-dir"), 0o755); err != nil {
		return err
	}
	if err := os.Setenv(shmDirEnv, c.String("shm-dir")); err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		ShmBaseDir:   c.String("shm-dir"),
		TickPeriodMs: c.Int64("tick-period-ms"),
		TzOffsetSec:  c.Int64("tz-offset-sec"),
		NoLog:        c.Bool("no-log"),
		Logger:       log.With("supervisor"),
	})
	if err != nil {
		return err
	}
	defer sup.Shutdown()

	tdCmd, err := forkTickDriver(c, sup, log)
	if err != nil {
		return err
	}
	defer func() {
		if tdCmd.Process != nil {
			_ = tdCmd.Process.Kill()
			_, _ = tdCmd.Process.Wait()
		}
	}()

	ln, err := net.Listen("tcp", c.String("listen"))
	if err != nil {
		return err
	}
	defer ln.Close()

	transport := dispatch.NewTransport(dispatch.Config{
		Supervisor: sup,
		NodeLogDir: c.String("node-log-dir"),
		Logger:     log.With("dispatch"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := transport.Serve(ln); err != nil {
			log.Error("dispatch transport stopped", logging.Err(err))
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	select {
	case <-sigCh:
		log.Info("signal received, shutting down")
		cancel()
		<-runErr
	case err := <-runErr:
		return err
	}
	return nil
}

// forkTickDriver spawns the tickdriver binary with the region identifiers
// and this process's own PID so it can probe Supervisor liveness.
func forkTickDriver(c *cli.Context, sup *supervisor.Supervisor, log *logging.Logger) (*exec.Cmd, error) {
	settingsSem, settingsShm := sup.SettingsRegionID()
	wakeupSem, wakeupShm := sup.WakeupRegionID()

	args := []string{
		"--shm-dir", c.String("shm-dir"),
		"--settings-sem", strconv.Itoa(int(settingsSem)),
		"--settings-shm", strconv.Itoa(int(settingsShm)),
		"--wakeup-sem", strconv.Itoa(int(wakeupSem)),
		"--wakeup-shm", strconv.Itoa(int(wakeupShm)),
		"--supervisor-pid", strconv.Itoa(os.Getpid()),
	}
	cmd := exec.Command(c.String("tickdriver-path"), args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	log.Info("tick driver forked", logging.Int("pid", cmd.Process.Pid))
	return cmd, nil
}
