package schain

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/schainlabs/schain/conn"
)

// ErrShuttingDown is returned by EnqueueItem once exit has been requested.
var ErrShuttingDown = errors.New("schain is shutting down")

type queuedItem struct {
	tag uint8
	msg interface{}
	sig []byte
}

// peerQueue is the bounded FIFO of outbound items for one peer.
type peerQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*queuedItem
}

func newPeerQueue() *peerQueue {
	q := &peerQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// ClientAgent pushes proposals and DA proofs to every peer. Each peer owns a
// bounded queue and a dedicated worker that drains it with unbounded retry on
// transient network errors. A full queue drops its oldest item: the receiver
// is not keeping up, and consensus tolerates the loss because every honest
// proposer re-broadcasts at the next height.
type ClientAgent struct {
	schain *Schain
	logger hclog.Logger

	queues  map[uint64]*peerQueue // keyed by schain index
	maxSize int

	wg sync.WaitGroup
}

// NewClientAgent creates the per-peer queues, one per committee seat. The
// workers are launched by Start.
func NewClientAgent(s *Schain) *ClientAgent {
	c := &ClientAgent{
		schain:  s,
		logger:  s.logger.Named("client"),
		queues:  make(map[uint64]*peerQueue, s.conf.NodeCount()),
		maxSize: s.conf.MaxProposalQueueSize,
	}
	for index := range s.conf.Committee {
		c.queues[index] = newPeerQueue()
	}
	return c
}

// Start launches the per-peer workers.
func (c *ClientAgent) Start() {
	for index := uint64(1); index <= uint64(c.schain.conf.NodeCount()); index++ {
		if _, ok := c.queues[index]; !ok {
			continue
		}
		c.wg.Add(1)
		go c.workerLoop(index)
	}
}

// EnqueueItem replicates the item into every peer's queue, acquiring the
// queues in index order. A queue already at capacity drops its oldest entry
// first.
func (c *ClientAgent) EnqueueItem(tag uint8, msg interface{}, sig []byte) error {
	if c.schain.isExitRequested() {
		return ErrShuttingDown
	}
	item := &queuedItem{tag: tag, msg: msg, sig: sig}
	for index := uint64(1); index <= uint64(c.schain.conf.NodeCount()); index++ {
		q, ok := c.queues[index]
		if !ok {
			continue
		}
		q.mu.Lock()
		if len(q.items) >= c.maxSize {
			// the destination is not accepting items, remove older
			q.items = q.items[1:]
		}
		q.items = append(q.items, item)
		q.mu.Unlock()
		q.cond.Broadcast()
	}
	return nil
}

// QueueLen returns the current queue length for a peer.
func (c *ClientAgent) QueueLen(index uint64) int {
	q, ok := c.queues[index]
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop wakes every parked worker so it can observe the exit flag.
func (c *ClientAgent) Stop() {
	for _, q := range c.queues {
		q.cond.Broadcast()
	}
	c.wg.Wait()
}

func (c *ClientAgent) workerLoop(peerIndex uint64) {
	defer c.wg.Done()
	q := c.queues[peerIndex]

	for {
		q.mu.Lock()
		for len(q.items) == 0 {
			if c.schain.isExitRequested() {
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if c.schain.isExitRequested() {
			return
		}

		// Items addressed to this node itself are discarded; local delivery
		// happens directly in the schain.
		if peerIndex == c.schain.conf.SchainIndex {
			continue
		}

		c.sendItem(peerIndex, item)
	}
}

// sendItem pushes one item to the peer, retrying the same item indefinitely
// on transient errors. Items the peer rejects outright are dropped and the
// worker moves on.
func (c *ClientAgent) sendItem(peerIndex uint64, item *queuedItem) {
	record := c.schain.conf.Committee[peerIndex]
	for {
		if c.schain.isExitRequested() {
			return
		}

		netConn, err := c.schain.trans.GetConn(record.AddrWithPort())
		if err != nil {
			c.logger.Debug("peer connection failed, will retry",
				"peer", peerIndex, "error", err)
			c.schain.sleepInterruptibly(time.Duration(c.schain.conf.WaitAfterNetworkErrorMs) * time.Millisecond)
			continue
		}

		status, substatus, err := conn.SendItem(netConn, item.tag, item.msg, item.sig,
			time.Duration(c.schain.conf.ProposalTimeoutMs)*time.Millisecond)
		if err != nil {
			c.logger.Debug("item send failed, will retry",
				"peer", peerIndex, "error", err)
			c.schain.sleepInterruptibly(time.Duration(c.schain.conf.WaitAfterNetworkErrorMs) * time.Millisecond)
			continue
		}

		switch status {
		case conn.StatusSuccess:
			if err := c.schain.trans.ReturnConn(netConn); err != nil {
				c.logger.Debug("failed to return connection", "peer", peerIndex, "error", err)
			}
			return
		case conn.StatusRetryLater:
			// The peer asked to back off; reconnect on a fresh socket.
			netConn.Release()
			c.schain.sleepInterruptibly(time.Duration(c.schain.conf.ProposalRetryIntervalMs) * time.Millisecond)
		case conn.StatusDisconnect:
			netConn.Release()
			return
		default:
			c.logger.Warn("peer rejected item, dropping it",
				"peer", peerIndex, "status", status, "substatus", substatus)
			if err := c.schain.trans.ReturnConn(netConn); err != nil {
				c.logger.Debug("failed to return connection", "peer", peerIndex, "error", err)
			}
			return
		}
	}
}
