package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"github.com/schainlabs/schain/config"
	"github.com/schainlabs/schain/schain"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

// logExtFace prints each committed block; a real embedder executes the
// transactions instead.
type logExtFace struct{}

func (e *logExtFace) CreateBlock(txs [][]byte, timeStampS uint64, timeStampMs uint32,
	blockID uint64, price *uint256.Int) {
	fmt.Printf("block %d committed: %d txs at %d.%03d, gas price %s\n",
		blockID, len(txs), timeStampS, timeStampMs, price.String())
}

func main() {
	node, err := schain.NewSchain(conf, &logExtFace{},
		&schain.RandomTxSource{BatchSize: conf.BatchSize})
	if err != nil {
		panic(err)
	}

	if err = node.Start(); err != nil {
		panic(err)
	}
	if err = node.HealthCheck(100 * time.Minute); err != nil {
		panic(err)
	}
	if err = node.EstablishP2PConns(); err != nil {
		panic(err)
	}
	if err = node.Bootstrap(); err != nil {
		panic(err)
	}
	fmt.Println("node starts the schain!")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	node.Stop()
}
