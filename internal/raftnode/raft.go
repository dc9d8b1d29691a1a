package raftnode

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"slicer3d/internal/model"
	"slicer3d/internal/profile"
)

// ErrNoLeader is returned by WaitForLeader when no leader shows up in time.
var ErrNoLeader = errors.New("raft: no leader elected")

// Config holds the configuration for the Raft node.
type Config struct {
	NodeID      string
	DataDir     string
	BindAddress string

	// Bootstrap forms a single-node cluster on first start. Other nodes
	// join through the leader.
	Bootstrap bool

	// InMemory keeps log, snapshots and transport in memory with short
	// timeouts. Used by tests and the one-shot CLI commands.
	InMemory bool

	ApplyTimeout time.Duration
	Logger       hclog.Logger
}

// Node is a raft member replicating a ProfileStore.
type Node struct {
	raft    *raft.Raft
	store   *ProfileStore
	id      raft.ServerID
	addr    raft.ServerAddress
	timeout time.Duration
	logger  hclog.Logger
	closers []io.Closer
}

// NewNode initializes and returns a Raft node with the given configuration.
func NewNode(config Config) (*Node, error) {
	logger := config.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if config.ApplyTimeout <= 0 {
		config.ApplyTimeout = 5 * time.Second
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(config.NodeID)
	raftConfig.Logger = logger.Named("raft")

	n := &Node{
		store:   NewProfileStore(),
		id:      raftConfig.LocalID,
		timeout: config.ApplyTimeout,
		logger:  logger,
	}

	var (
		logs      raft.LogStore
		stable    raft.StableStore
		snapshots raft.SnapshotStore
		transport raft.Transport
	)
	if config.InMemory {
		raftConfig.HeartbeatTimeout = 50 * time.Millisecond
		raftConfig.ElectionTimeout = 50 * time.Millisecond
		raftConfig.LeaderLeaseTimeout = 50 * time.Millisecond
		raftConfig.CommitTimeout = 5 * time.Millisecond

		mem := raft.NewInmemStore()
		logs, stable = mem, mem
		snapshots = raft.NewInmemSnapshotStore()
		addr, trans := raft.NewInmemTransport(raft.ServerAddress(config.BindAddress))
		n.addr = addr
		transport = trans
	} else {
		if err := os.MkdirAll(config.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}

		boltDB, err := raftboltdb.NewBoltStore(filepath.Join(config.DataDir, "raft.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to create BoltDB store: %w", err)
		}
		n.closers = append(n.closers, boltDB)
		logs, stable = boltDB, boltDB

		snapshots, err = raft.NewFileSnapshotStoreWithLogger(config.DataDir, 2, logger.Named("snapshot"))
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}

		tcp, err := raft.NewTCPTransportWithLogger(config.BindAddress, nil, 3, 10*time.Second, logger.Named("transport"))
		if err != nil {
			n.close()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		n.closers = append(n.closers, tcp)
		n.addr = tcp.LocalAddr()
		transport = tcp
	}

	r, err := raft.NewRaft(raftConfig, n.store, logs, stable, snapshots, transport)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to create Raft node: %w", err)
	}
	n.raft = r

	if config.Bootstrap {
		existing, err := raft.HasExistingState(logs, stable, snapshots)
		if err != nil {
			n.Shutdown()
			return nil, fmt.Errorf("failed to inspect raft state: %w", err)
		}
		if !existing {
			configuration := raft.Configuration{
				Servers: []raft.Server{{ID: n.id, Address: n.addr}},
			}
			if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				n.Shutdown()
				return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
			}
			logger.Info("bootstrapped cluster", "id", n.id, "address", n.addr)
		}
	}
	return n, nil
}

// ID returns the server ID of this node.
func (n *Node) ID() string { return string(n.id) }

// Address returns the raft transport address of this node.
func (n *Node) Address() string { return string(n.addr) }

// State returns the raft state name (Leader, Follower, ...).
func (n *Node) State() string { return n.raft.State().String() }

// Leader returns the address of the current leader, empty if unknown.
func (n *Node) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// IsLeader reports whether this node accepts writes.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// WaitForLeader blocks until the cluster has a leader or timeout passes.
func (n *Node) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNoLeader
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (n *Node) apply(cmd Command) error {
	data, err := gobEncode(cmd)
	if err != nil {
		return err
	}
	future := n.raft.Apply(data, n.timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply %s: %w", cmd.Op, err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// SaveProfile stores p under p.Name. An existing profile is only replaced
// when allowOverwrite is set.
func (n *Node) SaveProfile(p profile.Profile, allowOverwrite bool) error {
	doc, err := profile.EncodeYAML(p.Settings, p.Metadata)
	if err != nil {
		return err
	}
	return n.apply(Command{Op: OpSaveProfile, Name: p.Name, Document: doc, AllowOverwrite: allowOverwrite})
}

func (n *Node) DeleteProfile(name string) error {
	return n.apply(Command{Op: OpDeleteProfile, Name: name})
}

// SetDefaultProfile makes name the default. An empty name clears it.
func (n *Node) SetDefaultProfile(name string) error {
	return n.apply(Command{Op: OpSetDefaultProfile, Name: name})
}

// RecordSlice appends a finished slice to the history.
func (n *Node) RecordSlice(rec model.SliceRecord) error {
	return n.apply(Command{Op: OpRecordSlice, Record: rec})
}

func (n *Node) Profile(name string) (profile.Profile, error) { return n.store.Profile(name) }

func (n *Node) Profiles() []model.ProfileSummary { return n.store.Profiles() }

func (n *Node) DefaultProfile() string { return n.store.DefaultProfile() }

func (n *Node) History() []model.SliceRecord { return n.store.History() }

// Join adds a voter to the cluster. Only the leader can do this.
func (n *Node) Join(id, addr string) error {
	n.logger.Info("adding peer", "id", id, "address", addr)
	return n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0).Error()
}

// Leave removes a server from the cluster.
func (n *Node) Leave(id string) error {
	n.logger.Info("removing peer", "id", id)
	return n.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

// Servers lists the current cluster configuration.
func (n *Node) Servers() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	return future.Configuration().Servers, nil
}

// Shutdown stops raft and closes the stores.
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	n.close()
	return err
}

func (n *Node) close() {
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			n.logger.Warn("close", "error", err)
		}
	}
	n.closers = nil
}
