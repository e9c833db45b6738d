package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/nodeflow-systems/nodeflow/internal/graph"
	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/proto"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// ParseArgv recognizes the one documented ADD_NODE option: "-name NAME"
// renames the node (spec.md §4.7).
func ParseArgv(argv []string) (name string, rest []string) {
	for i := 0; i+1 < len(argv); i++ {
		if argv[i] == "-name" {
			name = argv[i+1]
			rest = append(append([]string(nil), argv[:i]...), argv[i+2:]...)
			return name, rest
		}
	}
	return "", argv
}

// AddNode spawns path with argv, performs Phase A, and enrolls the node
// Inactive. The returned error's sign convention (<0 result to the
// operator) is the caller's (the dispatcher's) concern; AddNode itself
// just reports success or failure.
func (s *Supervisor) AddNode(logDir, path string, argv []string) (string, error) {
	name, _ := ParseArgv(argv)
	if name == "" {
		name = filepath.Base(path)
	}

	if _, exists := s.graph.Find(name); exists {
		return "", errors.Wrapf(graph.ErrNameTaken, "%q", name)
	}

	stderrPath := filepath.Join(logDir, name+".txt")
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "supervisor: open node log")
	}

	cmd, stdinW, stdoutR, err := spawn(path, argv, stderr)
	if err != nil {
		stderr.Close()
		return "", errors.Wrap(err, "supervisor: spawn worker")
	}

	ch := wire.New(&pipePair{r: stdoutR, w: stdinW})
	semID, shmID := s.SettingsRegionID()
	specs, err := proto.HostInit(ch, proto.RegionID{SemID: semID, ShmID: shmID}, stderrPath)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		stdinW.Close()
		stdoutR.Close()
		stderr.Close()
		return "", errors.Wrap(err, "supervisor: init handshake")
	}

	node := &graph.Node{
		Name:           name,
		ExecutablePath: path,
		PID:            cmd.Process.Pid,
		Process:        cmd.Process,
		Channel:        ch,
		Stderr:         stderr,
	}
	for _, spec := range specs {
		node.Pipes = append(node.Pipes, &graph.Pipe{
			Name:      spec.Name,
			Direction: spec.Direction,
			Unit:      spec.Unit,
			Length:    spec.Length,
		})
	}

	if err := s.graph.AddInactive(node); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return "", err
	}
	s.log.Info("node added", logging.String("name", name), logging.String("path", path))
	return name, nil
}

// pipePair composes a worker's stdout (host's read end) and stdin (host's
// write end) into a single io.ReadWriter, the host-side mirror of
// node.stdioReadWriter.
type pipePair struct {
	r *os.File
	w *os.File
}

func (p *pipePair) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePair) Write(b []byte) (int, error) { return p.w.Write(b) }

// SetReadDeadline forwards to the pipe's read end, which (unlike a
// regular file) supports deadlines on every platform Go targets here;
// this is what lets wire.Channel's bounded reads actually interrupt a
// handshake read instead of blocking past it.
func (p *pipePair) SetReadDeadline(t time.Time) error { return p.r.SetReadDeadline(t) }
