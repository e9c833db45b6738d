// Package persist implements Graph Persistence (spec.md §4.7 SAVE/LOAD,
// §6 "Graph save file"): the text save/load format for nodes, connections,
// and constants.
package persist

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodeEntry is one node as listed in the save file's first section.
type NodeEntry struct {
	Path string
	Name string
}

// ConnectionEntry is one connection as listed in the second section.
type ConnectionEntry struct {
	InNode, InPipe   string
	OutNode, OutPipe string
}

// ConstEntry is one CONST pipe's current raw payload, as listed in the
// third section.
type ConstEntry struct {
	Node, Pipe string
	Payload    []byte
}

// Graph is the decoded contents of a save file.
type Graph struct {
	Nodes       []NodeEntry
	Connections []ConnectionEntry
	Consts      []ConstEntry
}

// Save writes g to w in the spec.md §6 format: three LF-separated
// sections, each terminated by a blank line.
func Save(w io.Writer, g Graph) error {
	bw := bufio.NewWriter(w)

	for _, n := range g.Nodes {
		fmt.Fprintf(bw, "%s\n%s\n", n.Path, n.Name)
	}
	fmt.Fprint(bw, "\n")

	for _, c := range g.Connections {
		fmt.Fprintf(bw, "%s\n%s\n%s\n%s\n", c.InNode, c.InPipe, c.OutNode, c.OutPipe)
	}
	fmt.Fprint(bw, "\n")

	for _, c := range g.Consts {
		fmt.Fprintf(bw, "%s\n%s\n%d\n", c.Node, c.Pipe, len(c.Payload))
		bw.Write(c.Payload)
		fmt.Fprint(bw, "\n")
	}
	fmt.Fprint(bw, "\n")

	return bw.Flush()
}

// Load parses a save file produced by Save. save∘load is the identity on
// (node set, connection set, constant payloads), up to node order
// (spec.md §8 round-trip law).
func Load(r io.Reader) (Graph, error) {
	br := bufio.NewReader(r)
	var g Graph

	for {
		path, ok, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		if !ok || path == "" {
			break
		}
		name, ok, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		if !ok {
			return Graph{}, errors.New("persist: truncated node entry")
		}
		g.Nodes = append(g.Nodes, NodeEntry{Path: path, Name: name})
	}

	for {
		inNode, ok, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		if !ok || inNode == "" {
			break
		}
		inPipe, _, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		outNode, _, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		outPipe, _, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		g.Connections = append(g.Connections, ConnectionEntry{
			InNode: inNode, InPipe: inPipe, OutNode: outNode, OutPipe: outPipe,
		})
	}

	for {
		node, ok, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		if !ok || node == "" {
			break
		}
		pipe, _, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		countLine, _, err := readLine(br)
		if err != nil {
			return Graph{}, err
		}
		count, err := strconv.Atoi(countLine)
		if err != nil {
			return Graph{}, errors.Wrap(err, "persist: malformed byte count")
		}
		payload := make([]byte, count)
		if _, err := io.ReadFull(br, payload); err != nil {
			return Graph{}, errors.Wrap(err, "persist: short constant payload")
		}
		// consume the trailing newline after the raw bytes
		if _, err := br.ReadByte(); err != nil && err != io.EOF {
			return Graph{}, err
		}
		g.Consts = append(g.Consts, ConstEntry{Node: node, Pipe: pipe, Payload: payload})
	}

	return g, nil
}

// readLine reads one LF-terminated line, stripping the terminator. ok is
// false only at a clean EOF with nothing read.
func readLine(br *bufio.Reader) (string, bool, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSuffix(line, "\n"), true, nil
		}
		if err == io.EOF {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSuffix(line, "\n"), true, nil
}
