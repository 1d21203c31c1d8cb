package config

import (
	"encoding/hex"
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/schainlabs/schain/sign"
)

func TestConfigLoadRoundTrip(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(cwd)

	privKey, pubKey := sign.GenED25519Keys()
	shares, pubPoly := sign.GenTSKeys(3, 4)
	shareAsBytes, err := sign.EncodeTSPartialKey(shares[1])
	require.NoError(t, err)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)

	clusterIPs := map[string]string{}
	p2pPorts := map[string]int{}
	pubKeys := map[string]string{}
	for _, name := range []string{"node1", "node2", "node3", "node4"} {
		clusterIPs[name] = "127.0.0.1"
		p2pPorts[name] = 8000 + len(clusterIPs)*10
		pubKeys[name] = hex.EncodeToString(pubKey)
	}

	viperWrite := viper.New()
	viperWrite.SetConfigFile("config_roundtrip.yaml")
	viperWrite.Set("schain_id", 7)
	viperWrite.Set("name", "node2")
	viperWrite.Set("schain_index", 2)
	viperWrite.Set("node_id", 12)
	viperWrite.Set("max_pool", 4)
	viperWrite.Set("data_dir", "/tmp/schain-test")
	viperWrite.Set("log_level", 3)
	viperWrite.Set("batch_size", 50)
	viperWrite.Set("cluster_ips", clusterIPs)
	viperWrite.Set("peers_p2p_port", p2pPorts)
	viperWrite.Set("cluster_pubkeyed", pubKeys)
	viperWrite.Set("privkeyed", hex.EncodeToString(privKey))
	viperWrite.Set("tsshare", hex.EncodeToString(shareAsBytes))
	viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
	viperWrite.Set("proposal_timeout_ms", 5000)
	viperWrite.Set("wait_after_network_error_ms", 1000)
	viperWrite.Set("proposal_retry_interval_ms", 1000)
	viperWrite.Set("monitoring_interval_ms", 10000)
	viperWrite.Set("catchup_interval_ms", 5000)
	viperWrite.Set("max_proposal_queue_size", 64)
	viperWrite.Set("commit_history", 256)
	require.NoError(t, viperWrite.WriteConfig())

	conf, err := LoadConfig("", "config_roundtrip")
	require.NoError(t, err)

	require.Equal(t, uint64(7), conf.SchainID)
	require.Equal(t, "node2", conf.Name)
	require.Equal(t, uint64(2), conf.SchainIndex)
	require.Equal(t, uint64(12), conf.NodeID)
	require.Equal(t, 4, conf.NodeCount())
	require.Equal(t, 3, conf.QuorumNum())
	require.Equal(t, uint64(5000), conf.ProposalTimeoutMs)
	require.Equal(t, 64, conf.MaxProposalQueueSize)

	self := conf.Self()
	require.NotNil(t, self)
	require.Equal(t, uint64(2), self.SchainIndex)
	require.Equal(t, "127.0.0.1", self.IP)
	require.NotZero(t, self.Port)

	require.Equal(t, []byte(privKey), []byte(conf.PrivateKey))
	require.True(t, pubPoly.Equal(conf.TsPublicKey))
	require.Equal(t, shares[1].I, conf.TsPrivateKey.I)
	require.True(t, shares[1].V.Equal(conf.TsPrivateKey.V))

	for index := uint64(1); index <= 4; index++ {
		record := conf.Committee[index]
		require.NotNil(t, record)
		require.Equal(t, []byte(pubKey), []byte(record.PublicKey))
	}
}
