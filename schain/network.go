package schain

import (
	"errors"
	"strconv"
	"time"

	"github.com/schainlabs/schain/conn"
)

// StartP2PListen starts the node's listener for P2P connections.
func (s *Schain) StartP2PListen() error {
	var err error
	s.trans, err = conn.NewTCPTransport(":"+strconv.Itoa(s.conf.Self().Port), 30*time.Second,
		nil, s.conf.MaxPool, reflectedTypesMap)
	return err
}

// EstablishP2PConns establishes P2P connections with every committee member,
// this node included.
func (s *Schain) EstablishP2PConns() error {
	if s.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	for index, record := range s.conf.Committee {
		connect, err := s.trans.GetConn(record.AddrWithPort())
		if err != nil {
			return err
		}
		if err = s.trans.ReturnConn(connect); err != nil {
			return err
		}
		s.logger.Debug("connection has been established", "peer", index)
	}
	return nil
}
