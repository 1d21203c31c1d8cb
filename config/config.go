/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"

	"github.com/schainlabs/schain/sign"
)

// NodeRecord describes one member of the committee.
type NodeRecord struct {
	NodeID      uint64
	SchainIndex uint64 // seat in the committee, 1..n
	IP          string
	Port        int
	PublicKey   ed25519.PublicKey
}

// AddrWithPort returns the node's dialable address.
func (r *NodeRecord) AddrWithPort() string {
	return r.IP + ":" + strconv.Itoa(r.Port)
}

// Config defines a type to describe the configuration.
type Config struct {
	SchainID    uint64
	Name        string
	SchainIndex uint64
	NodeID      uint64

	Committee map[uint64]*NodeRecord // keyed by schain index, 1..n

	MaxPool int
	DataDir string

	PrivateKey   ed25519.PrivateKey
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare

	LogLevel  int
	BatchSize int

	ProposalTimeoutMs       uint64
	WaitAfterNetworkErrorMs uint64
	ProposalRetryIntervalMs uint64
	MonitoringIntervalMs    uint64
	CatchupIntervalMs       uint64

	MaxProposalQueueSize int
	CommitHistory        uint64
}

// New creates a new variable of type Config for test.
func New(schainID uint64, name string, schainIndex, nodeID uint64, committee map[uint64]*NodeRecord,
	maxPool int, dataDir string, privateKey ed25519.PrivateKey, tsPublicKey *share.PubPoly,
	tsPrivateKey *share.PriShare, logLevel, batchSize int) *Config {
	return &Config{
		SchainID:                schainID,
		Name:                    name,
		SchainIndex:             schainIndex,
		NodeID:                  nodeID,
		Committee:               committee,
		MaxPool:                 maxPool,
		DataDir:                 dataDir,
		PrivateKey:              privateKey,
		TsPublicKey:             tsPublicKey,
		TsPrivateKey:            tsPrivateKey,
		LogLevel:                logLevel,
		BatchSize:               batchSize,
		ProposalTimeoutMs:       5000,
		WaitAfterNetworkErrorMs: 1000,
		ProposalRetryIntervalMs: 1000,
		MonitoringIntervalMs:    10000,
		CatchupIntervalMs:       5000,
		MaxProposalQueueSize:    64,
		CommitHistory:           256,
	}
}

// NodeCount returns the committee size.
func (c *Config) NodeCount() int {
	return len(c.Committee)
}

// QuorumNum returns 2f+1 for the committee size.
func (c *Config) QuorumNum() int {
	n := c.NodeCount()
	f := (n - 1) / 3
	return 2*f + 1
}

// Self returns this node's committee record.
func (c *Config) Self() *NodeRecord {
	return c.Committee[c.SchainIndex]
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	tsPubKeyAsString := viperConfig.GetString("tspubkey")
	tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
	if err != nil {
		return nil, err
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}

	tsShareAsString := viperConfig.GetString("tsshare")
	tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
	if err != nil {
		return nil, err
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		SchainID:                viperConfig.GetUint64("schain_id"),
		Name:                    viperConfig.GetString("name"),
		SchainIndex:             viperConfig.GetUint64("schain_index"),
		NodeID:                  viperConfig.GetUint64("node_id"),
		MaxPool:                 viperConfig.GetInt("max_pool"),
		DataDir:                 viperConfig.GetString("data_dir"),
		PrivateKey:              privKeyED,
		TsPublicKey:             tsPubKey,
		TsPrivateKey:            tsShareKey,
		LogLevel:                viperConfig.GetInt("log_level"),
		BatchSize:               viperConfig.GetInt("batch_size"),
		ProposalTimeoutMs:       viperConfig.GetUint64("proposal_timeout_ms"),
		WaitAfterNetworkErrorMs: viperConfig.GetUint64("wait_after_network_error_ms"),
		ProposalRetryIntervalMs: viperConfig.GetUint64("proposal_retry_interval_ms"),
		MonitoringIntervalMs:    viperConfig.GetUint64("monitoring_interval_ms"),
		CatchupIntervalMs:       viperConfig.GetUint64("catchup_interval_ms"),
		MaxProposalQueueSize:    viperConfig.GetInt("max_proposal_queue_size"),
		CommitHistory:           viperConfig.GetUint64("commit_history"),
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	nodeIDMapString := viperConfig.GetStringMap("cluster_node_ids")

	committee := make(map[uint64]*NodeRecord, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		pkAsString, ok := pkAsInterface.(string)
		if !ok {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil {
			return nil, err
		}

		idStr := strings.TrimPrefix(name, "node")
		index, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("committee member %q has no parsable index: %w", name, err)
		}
		if index == 0 {
			return nil, fmt.Errorf("committee member %q: schain indices start at 1", name)
		}

		record := &NodeRecord{
			SchainIndex: index,
			PublicKey:   pubKey,
		}
		if ip, ok := peersIPsMapString[name].(string); ok {
			record.IP = ip
		} else {
			return nil, fmt.Errorf("committee member %q has no ip", name)
		}
		if port, ok := peersP2PPortMapString[name].(int); ok {
			record.Port = port
		} else {
			return nil, fmt.Errorf("committee member %q has no p2p port", name)
		}
		if id, ok := nodeIDMapString[name].(int); ok {
			record.NodeID = uint64(id)
		} else {
			record.NodeID = index
		}
		committee[index] = record
	}

	if _, ok := committee[conf.SchainIndex]; !ok {
		return nil, fmt.Errorf("committee does not include this node's schain index %d", conf.SchainIndex)
	}

	conf.Committee = committee
	return conf, nil
}
