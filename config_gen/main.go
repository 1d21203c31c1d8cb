/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node of the committee.
The generated configuration file particularly contains the public/private keys for TS and ED25519.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/schainlabs/schain/sign"
)

func main() {
	viperRead := viper.New()

	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(err)
	}

	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	nodeNumber := len(clusterMapInterface)
	if nodeNumber < 4 {
		panic("a production committee needs at least 4 nodes")
	}
	if len(p2pPortMapInterface) != nodeNumber {
		panic("peers_p2p_port does not match with cluster_ips")
	}

	clusterIPs := make(map[string]string, nodeNumber)
	p2pPorts := make(map[string]int, nodeNumber)
	nodeIDs := make(map[string]int, nodeNumber)
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster in the config file cannot be decoded correctly")
		}
		portAsInt, ok := p2pPortMapInterface[name].(int)
		if !ok {
			panic("peers_p2p_port contains a non-int value")
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil || index < 1 || index > nodeNumber {
			panic(fmt.Sprintf("committee member %q must be named node1..node%d", name, nodeNumber))
		}
		clusterIPs[name] = addrAsString
		p2pPorts[name] = portAsInt
		nodeIDs[name] = index
	}

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	for i := 1; i <= nodeNumber; i++ {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		name := "node" + strconv.Itoa(i)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
	}

	// create the threshold signature keys with threshold 2f+1
	faultyNum := (nodeNumber - 1) / 3
	quorumNum := 2*faultyNum + 1
	shares, pubPoly := sign.GenTSKeys(quorumNum, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail to encode the TSPublicKey")
	}

	schainID := viperRead.GetUint64("schain_id")
	maxPool := viperRead.GetInt("max_pool")
	batchSize := viperRead.GetInt("batch_size")
	logLevel := viperRead.GetInt("log_level")
	dataDirBase := viperRead.GetString("data_dir")

	// write to configure files
	for i := 1; i <= nodeNumber; i++ {
		name := "node" + strconv.Itoa(i)
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i-1])
		if err != nil {
			panic("fail to encode the share")
		}

		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("config_%s.yaml", name))
		viperWrite.Set("schain_id", schainID)
		viperWrite.Set("name", name)
		viperWrite.Set("schain_index", i)
		viperWrite.Set("node_id", i)
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("batch_size", batchSize)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("data_dir", fmt.Sprintf("%s/%s", dataDirBase, name))
		viperWrite.Set("cluster_ips", clusterIPs)
		viperWrite.Set("peers_p2p_port", p2pPorts)
		viperWrite.Set("cluster_node_ids", nodeIDs)
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("PrivKeyED", privKeysED25519[name])
		viperWrite.Set("TSShare", hex.EncodeToString(shareAsBytes))
		viperWrite.Set("TSPubKey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("proposal_timeout_ms", 5000)
		viperWrite.Set("wait_after_network_error_ms", 1000)
		viperWrite.Set("proposal_retry_interval_ms", 1000)
		viperWrite.Set("monitoring_interval_ms", 10000)
		viperWrite.Set("catchup_interval_ms", 5000)
		viperWrite.Set("max_proposal_queue_size", 64)
		viperWrite.Set("commit_history", 256)
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
	fmt.Printf("generated %d config files\n", nodeNumber)
}
