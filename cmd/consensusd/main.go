// Package main provides the consensusd CLI: an in-process cluster
// simulator for the consensus engines.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahwlsqja/consensus-core/consensus"
	"github.com/ahwlsqja/consensus-core/consensus/gossip"
	"github.com/ahwlsqja/consensus-core/consensus/manager"
	"github.com/ahwlsqja/consensus-core/consensus/pbft"
	"github.com/ahwlsqja/consensus-core/consensus/raft"
	"github.com/ahwlsqja/consensus-core/metrics"
	"github.com/ahwlsqja/consensus-core/network"
	"github.com/ahwlsqja/consensus-core/types"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "consensusd",
		Short:         "pluggable consensus engine simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSimulateCmd())
	root.AddCommand(newSelectCmd())
	return root
}

func newSimulateCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-process cluster and drive proposals through it",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetDefault("nodes", 4)
			v.SetDefault("protocol", "raft")
			v.SetDefault("proposals", 5)
			v.SetDefault("metrics-addr", "")
			v.SetDefault("verbose", false)
			v.SetEnvPrefix("CONSENSUSD")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}
			return runSimulation(simConfig{
				Nodes:       v.GetInt("nodes"),
				Protocol:    consensus.ProtocolType(v.GetString("protocol")),
				Proposals:   v.GetInt("proposals"),
				MetricsAddr: v.GetString("metrics-addr"),
				Verbose:     v.GetBool("verbose"),
			})
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (yaml/toml/json)")
	cmd.Flags().Int("nodes", 4, "cluster size")
	cmd.Flags().String("protocol", "raft", "consensus protocol: pbft|raft|gossip")
	cmd.Flags().Int("proposals", 5, "number of proposals to submit")
	cmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty disables)")
	cmd.Flags().Bool("verbose", false, "enable debug logging")
	return cmd
}

func newSelectCmd() *cobra.Command {
	var (
		value      float64
		highStakes bool
		strong     bool
		nodeCount  int
		latency    string
	)
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Recommend a protocol for the given workload criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := manager.SelectProtocol(manager.Criteria{
				TransactionValue:          value,
				IsHighStakes:              highStakes,
				RequiresStrongConsistency: strong,
				NodeCount:                 nodeCount,
				LatencyRequirement:        manager.LatencyRequirement(latency),
			})
			fmt.Printf("protocol:   %s\nreason:     %s\nconfidence: %.2f\n",
				sel.Protocol, sel.Reason, sel.Confidence)
			return nil
		},
	}
	cmd.Flags().Float64Var(&value, "value", 0, "transaction value")
	cmd.Flags().BoolVar(&highStakes, "high-stakes", false, "workload is high stakes")
	cmd.Flags().BoolVar(&strong, "strong-consistency", false, "strong consistency required")
	cmd.Flags().IntVar(&nodeCount, "node-count", 5, "expected cluster size")
	cmd.Flags().StringVar(&latency, "latency", "medium", "latency requirement: low|medium|high")
	return cmd
}

type simConfig struct {
	Nodes       int
	Protocol    consensus.ProtocolType
	Proposals   int
	MetricsAddr string
	Verbose     bool
}

func runSimulation(cfg simConfig) error {
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if !cfg.Verbose {
		logger = log.NewFilter(logger, log.AllowInfo())
	}

	registry := types.NewRegistry(nil)
	for i := 0; i < cfg.Nodes; i++ {
		registry.Add(&types.Node{
			ID:      fmt.Sprintf("node-%d", i),
			Address: fmt.Sprintf("127.0.0.1:%d", 26656+i),
			Weight:  1,
			Active:  true,
		})
	}

	m := metrics.NewMetrics("consensusd")
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, m)
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
	}

	bus := consensus.NewBus()
	router := network.NewRouter(logger)

	var engines []consensus.Protocol
	for _, node := range registry.List() {
		engine, err := buildEngine(cfg.Protocol, node.ID, registry, router, bus, logger, m)
		if err != nil {
			return err
		}
		engines = append(engines, engine)
	}
	for _, e := range engines {
		if err := e.Start(); err != nil {
			return err
		}
	}
	defer func() {
		for _, e := range engines {
			e.Stop()
		}
	}()

	mgr := manager.NewManager(registry, bus, logger, m)
	mgr.Register(cfg.Protocol, engines[0])

	logger.Info("cluster running", "protocol", cfg.Protocol, "nodes", cfg.Nodes)

	ctx := context.Background()
	for i := 0; i < cfg.Proposals; i++ {
		value := []byte(fmt.Sprintf("payload-%d", i))
		result, err := propose(ctx, cfg.Protocol, engines, value)
		if err != nil {
			logger.Error("proposal failed", "n", i, "err", err)
			continue
		}
		logger.Info("proposal resolved",
			"n", i, "id", result.ProposalID, "accepted", result.Accepted, "elapsed", result.Elapsed)
	}

	// Let background dissemination settle before reporting.
	if cfg.Protocol == consensus.TypeGossip {
		time.Sleep(2 * time.Second)
	}

	health := mgr.GetHealth()
	logger.Info("cluster health",
		"healthy", health.Healthy, "active", health.ActiveNodes, "total", health.TotalNodes)
	return nil
}

func buildEngine(t consensus.ProtocolType, nodeID string, registry *types.Registry, router *network.Router, bus *consensus.Bus, logger log.Logger, m *metrics.Metrics) (consensus.Protocol, error) {
	switch t {
	case consensus.TypePBFT:
		e := pbft.NewEngine(pbft.DefaultConfig(nodeID), registry, router.PBFTTransport(nodeID), bus, logger, m)
		router.RegisterPBFT(nodeID, e)
		return e, nil
	case consensus.TypeRaft:
		e := raft.NewEngine(raft.DefaultConfig(nodeID), registry, router.RaftTransport(nodeID), bus, logger, m)
		router.RegisterRaft(nodeID, e)
		return e, nil
	case consensus.TypeGossip:
		e := gossip.NewEngine(gossip.DefaultConfig(nodeID), registry, router.GossipTransport(nodeID), bus, logger, m)
		router.RegisterGossip(nodeID, e)
		return e, nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", t)
	}
}

// propose routes the value to whichever node may currently propose: the
// PBFT primary, the Raft leader once one emerges, or any gossip node.
func propose(ctx context.Context, t consensus.ProtocolType, engines []consensus.Protocol, value []byte) (*types.Result, error) {
	switch t {
	case consensus.TypePBFT:
		for _, e := range engines {
			if p, ok := e.(*pbft.Engine); ok && p.IsPrimary() {
				return p.Propose(ctx, value)
			}
		}
		return engines[0].Propose(ctx, value)
	case consensus.TypeRaft:
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			for _, e := range engines {
				if r, ok := e.(*raft.Engine); ok && r.GetRole() == raft.Leader {
					return r.Propose(ctx, value)
				}
			}
			time.Sleep(50 * time.Millisecond)
		}
		return nil, fmt.Errorf("no leader elected")
	default:
		return engines[0].Propose(ctx, value)
	}
}
