// Command noderun is a reference worker harness linking internal/node: a
// generic executable whose pipe table is declared entirely on the command
// line, so it can stand in for any worker described in a graph save file
// or ad hoc ADD_NODE call during manual testing. Pipes declared --mirror
// are copied IN->OUT byte-for-byte once per tick, the simplest useful
// thing a worker can do with the runtime library.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"github.com/nodeflow-systems/nodeflow/internal/node"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/shm"
	"github.com/nodeflow-systems/nodeflow/internal/units"
)

func main() {
	app := cli.NewApp()
	app.Name = "noderun"
	app.Usage = "reference NODEFLOW worker harness"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "shm-dir", EnvVar: "NODEFLOW_SHM_DIR", Usage: "base directory backing Shared Regions"},
		cli.StringFlag{Name: "name", Usage: "ignored here; ADD_NODE's own -name rename is consumed by the Supervisor"},
		cli.StringSliceFlag{Name: "in", Usage: "declare an IN pipe: name:unit:length"},
		cli.StringSliceFlag{Name: "out", Usage: "declare an OUT pipe: name:unit:length"},
		cli.StringSliceFlag{Name: "const", Usage: "declare a CONST pipe: name:unit:length[:v1,v2,...]"},
		cli.StringSliceFlag{Name: "mirror", Usage: "copy one IN pipe's bytes to one OUT pipe each tick: in:out"},
		cli.BoolFlag{Name: "csv", Usage: "rename the per-node log file to .csv (spec.md §6)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type pipeDecl struct {
	name   string
	unit   units.Unit
	length uint16
	init   []byte
}

func run(c *cli.Context) error {
	if c.String("shm-dir") == "" {
		return fmt.Errorf("noderun: --shm-dir (or NODEFLOW_SHM_DIR) is required")
	}

	ins, err := parseDecls(c.StringSlice("in"))
	if err != nil {
		return err
	}
	outs, err := parseDecls(c.StringSlice("out"))
	if err != nil {
		return err
	}
	consts, err := parseDecls(c.StringSlice("const"))
	if err != nil {
		return err
	}
	mirrors, err := parseMirrors(c.StringSlice("mirror"))
	if err != nil {
		return err
	}

	shmMgr, err := shm.NewManager(c.String("shm-dir"))
	if err != nil {
		return err
	}

	rt := node.New(os.Stdin, os.Stdout, shmMgr, os.Getppid(), node.Options{CSVMode: c.Bool("csv")})

	for _, p := range ins {
		if err := rt.AddPipe(p.name, proto.DirIN, p.unit, p.length, nil); err != nil {
			return err
		}
	}
	for _, p := range outs {
		if err := rt.AddPipe(p.name, proto.DirOUT, p.unit, p.length, nil); err != nil {
			return err
		}
	}
	for _, p := range consts {
		if err := rt.AddPipe(p.name, proto.DirCONST, p.unit, p.length, p.init); err != nil {
			return err
		}
	}

	if err := rt.Init(); err != nil {
		return err
	}
	if err := rt.Begin(); err != nil {
		return err
	}
	defer rt.Close()

	buf := make(map[string][]byte, len(mirrors))
	for _, m := range mirrors {
		p, ok := findDecl(ins, m.in)
		if !ok {
			return fmt.Errorf("noderun: mirror references unknown IN pipe %q", m.in)
		}
		buf[m.in] = make([]byte, uint32(units.Size(p.unit))*uint32(p.length))
	}

	for {
		if err := rt.Loop(); err != nil {
			if errors.Is(err, node.ErrParentDead) {
				rt.DebugLog("supervisor gone, exiting")
				return nil
			}
			return err
		}

		for _, m := range mirrors {
			out := buf[m.in]
			result, err := rt.Read(m.in, out)
			if err != nil {
				rt.DebugLog("mirror read failed: " + err.Error())
				continue
			}
			if result == node.Fresh {
				if err := rt.Write(m.out, out); err != nil {
					rt.DebugLog("mirror write failed: " + err.Error())
				}
			}
		}

		if err := rt.Wait(); err != nil {
			return err
		}
	}
}

type mirrorPair struct{ in, out string }

func parseMirrors(specs []string) ([]mirrorPair, error) {
	out := make([]mirrorPair, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("noderun: malformed --mirror %q, want in:out", s)
		}
		out = append(out, mirrorPair{in: parts[0], out: parts[1]})
	}
	return out, nil
}

func findDecl(decls []pipeDecl, name string) (pipeDecl, bool) {
	for _, d := range decls {
		if d.name == name {
			return d, true
		}
	}
	return pipeDecl{}, false
}

// parseDecls parses "name:unit:length[:v1,v2,...]" pipe declarations. The
// optional trailing value list is only meaningful for --const, where it
// becomes the Constant's staged initial value (spec.md §9 "CONST initial
// value staged at addPipe time").
func parseDecls(specs []string) ([]pipeDecl, error) {
	out := make([]pipeDecl, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, ":", 4)
		if len(parts) < 3 {
			return nil, fmt.Errorf("noderun: malformed pipe declaration %q, want name:unit:length", s)
		}
		unit, err := parseUnit(parts[1])
		if err != nil {
			return nil, err
		}
		length, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("noderun: bad pipe length in %q: %w", s, err)
		}
		d := pipeDecl{name: parts[0], unit: unit, length: uint16(length)}
		if len(parts) == 4 && parts[3] != "" {
			values := strings.Split(parts[3], ",")
			if len(values) != int(length) {
				return nil, fmt.Errorf("noderun: %q declares length %d but %d initial values", s, length, len(values))
			}
			buf := make([]byte, 0, int(units.Size(unit))*int(length))
			for _, v := range values {
				encoded, err := units.Parse(unit, v)
				if err != nil {
					return nil, fmt.Errorf("noderun: %q: %w", s, err)
				}
				buf = append(buf, encoded...)
			}
			d.init = buf
		}
		out = append(out, d)
	}
	return out, nil
}

func parseUnit(name string) (units.Unit, error) {
	switch strings.ToUpper(name) {
	case "CHAR":
		return units.CHAR, nil
	case "BOOL":
		return units.BOOL, nil
	case "INT8":
		return units.INT8, nil
	case "INT16":
		return units.INT16, nil
	case "INT32":
		return units.INT32, nil
	case "INT64":
		return units.INT64, nil
	case "UINT8":
		return units.UINT8, nil
	case "UINT16":
		return units.UINT16, nil
	case "UINT32":
		return units.UINT32, nil
	case "UINT64":
		return units.UINT64, nil
	case "FLOAT":
		return units.FLOAT, nil
	case "DOUBLE":
		return units.DOUBLE, nil
	default:
		return 0, fmt.Errorf("noderun: unknown unit %q", name)
	}
}
