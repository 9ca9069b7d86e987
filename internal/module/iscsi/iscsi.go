// Package iscsi provides the iSCSI initiator manager. It contributes no block
// or drive interfaces.
package iscsi

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sigreer/diskd/internal/diskerr"
	"github.com/sigreer/diskd/internal/module"
)

const (
	ModuleID      = "iscsi"
	InterfaceName = "iscsi.initiator"
)

// Action ids
const (
	ActionConfigure = "diskd.iscsi.configure"
	ActionLogin     = "diskd.iscsi.login"
)

func init() {
	module.Register(ModuleID, Load)
}

// runner executes iscsiadm, swapped out in tests
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// state is owned by the daemon for the module's lifetime
type state struct {
	sysfsRoot         string
	initiatorNameFile string
	iscsiadm          string
	run               runner

	// serializes initiator name rewrites and iscsiadm node operations
	mu sync.Mutex
}

// Load initializes the module from the daemon configuration
func Load(host module.Host) (*module.Module, error) {
	cfg := host.Config()
	st := &state{
		sysfsRoot:         cfg.SysfsRoot,
		initiatorNameFile: cfg.ISCSI.InitiatorNameFile,
		iscsiadm:          cfg.ISCSI.Iscsiadm,
		run:               execRunner,
	}
	return &module.Module{
		ID:      ModuleID,
		State:   st,
		Manager: []module.ManagerFactory{newInitiator},
	}, nil
}

// Session is an active iSCSI session as reported by sysfs
type Session struct {
	ID      string `json:"id"`
	Target  string `json:"target"`
	State   string `json:"state,omitempty"`
	Address string `json:"address,omitempty"`
	Port    string `json:"port,omitempty"`
}

// Node is a target found by discovery
type Node struct {
	Target string `json:"target"`
	Portal string `json:"portal"`
	TPGT   string `json:"tpgt,omitempty"`
}

// initiatorName reads InitiatorName= from the initiator name file
func (s *state) initiatorName() (string, error) {
	data, err := os.ReadFile(s.initiatorNameFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", diskerr.New(diskerr.NotFound, "no initiator name configured in %s", s.initiatorNameFile)
		}
		return "", fmt.Errorf("failed to read %s: %w", s.initiatorNameFile, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "InitiatorName="); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", diskerr.New(diskerr.NotFound, "no InitiatorName in %s", s.initiatorNameFile)
}

// setInitiatorName atomically replaces the initiator name file
func (s *state) setInitiatorName(name string) error {
	if !validName(name) {
		return diskerr.New(diskerr.InvalidOption, "invalid initiator name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.initiatorNameFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".initiatorname-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := fmt.Fprintf(tmp, "InitiatorName=%s\n", name); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write initiator name: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write initiator name: %w", err)
	}
	return os.Rename(tmp.Name(), s.initiatorNameFile)
}

// validName accepts the iqn., eui. and naa. name formats
func validName(name string) bool {
	if strings.ContainsAny(name, " \t\n") {
		return false
	}
	for _, prefix := range []string{"iqn.", "eui.", "naa."} {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

// sessions lists class/iscsi_session entries, sorted by id
func (s *state) sessions() ([]Session, error) {
	dir := filepath.Join(s.sysfsRoot, "class", "iscsi_session")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// iscsi_tcp not loaded
			return []Session{}, nil
		}
		return nil, fmt.Errorf("failed to list iSCSI sessions: %w", err)
	}

	sessions := make([]Session, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "session") {
			continue
		}
		id := strings.TrimPrefix(name, "session")
		sessDir := filepath.Join(dir, name)
		sess := Session{
			ID:     id,
			Target: readTrimmed(filepath.Join(sessDir, "targetname")),
			State:  readTrimmed(filepath.Join(sessDir, "state")),
		}
		// Connection 0 carries the portal
		connDir := filepath.Join(s.sysfsRoot, "class", "iscsi_connection", "connection"+id+":0")
		sess.Address = readTrimmed(filepath.Join(connDir, "persistent_address"))
		sess.Port = readTrimmed(filepath.Join(connDir, "persistent_port"))
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// discover runs sendtargets discovery against portal
func (s *state) discover(ctx context.Context, portal string) ([]Node, error) {
	if portal == "" {
		return nil, diskerr.New(diskerr.InvalidOption, "portal is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out, err := s.run(ctx, s.iscsiadm, "-m", "discovery", "-t", "sendtargets", "-p", portal)
	if err != nil {
		return nil, diskerr.Wrap(diskerr.Failed, err, "discovery failed")
	}
	return parseDiscovery(string(out)), nil
}

// parseDiscovery reads "10.0.0.1:3260,1 iqn.2003-01.org.example:disk1" lines
func parseDiscovery(out string) []Node {
	nodes := []Node{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		portal, tpgt, _ := strings.Cut(fields[0], ",")
		nodes = append(nodes, Node{Target: fields[1], Portal: portal, TPGT: tpgt})
	}
	return nodes
}

// login logs into (or out of, with logout set) a node
func (s *state) login(ctx context.Context, n Node, logout bool) error {
	if n.Target == "" || n.Portal == "" {
		return diskerr.New(diskerr.InvalidOption, "target and portal are required")
	}
	op := "--login"
	if logout {
		op = "--logout"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.run(ctx, s.iscsiadm, "-m", "node", "-T", n.Target, "-p", n.Portal, op); err != nil {
		return diskerr.Wrap(diskerr.Failed, err, strings.TrimPrefix(op, "--")+" failed")
	}
	return nil
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
