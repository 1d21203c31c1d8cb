package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

// Magic is written by the dialing side immediately after a connection is
// established. A peer that reads anything else is talking to something that
// speaks the wrong language and drops the connection.
const Magic uint64 = 0x1396A22050B30

// Connection status codes returned to item submissions.
const (
	StatusSuccess uint8 = iota
	StatusDisconnect
	StatusRetryLater
	StatusError
)

// Connection substatus codes. SubNone accompanies a plain StatusSuccess;
// SubErrDuplicate also accompanies StatusSuccess for an item already
// accepted; the other error substatuses qualify StatusError.
const (
	SubNone uint8 = iota
	SubErrBadHash
	SubErrBadSignature
	SubErrOldBlock
	SubErrDuplicate
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrBadMagic is returned when the peer starts the conversation with
	// anything but the protocol magic.
	ErrBadMagic = errors.New("bad protocol magic")
)

// MsgWithSig encapsulates the original msg with the ED25519 signature.
type MsgWithSig struct {
	Msg interface{}
	Sig []byte
}

// ItemHandler processes an item submission synchronously and returns the
// status pair to send back to the submitter.
type ItemHandler func(rpcType uint8, msg interface{}, sig []byte) (uint8, uint8)

/*
NetworkTransport provides a network based transport that can be
used to communicate with the remote nodes. It requires
an underlying stream layer to provide a stream abstraction, which can
be simple TCP, TLS, etc.

Each connection starts with the 64-bit big-endian protocol magic. After that,
each message is framed by a byte that indicates the message type, followed by
the Msg data and signature data. Message types registered as item types are
handed to the ItemHandler and answered with a (status, substatus) byte pair;
all other types are fire-and-forget and flow out through MsgChan.
*/
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	msgCh chan MsgWithSig // msgCh is used to transfer data between NetworkTransport and outer variable (e.g., Schain)

	reflectedTypesMap map[uint8]reflect.Type

	itemTypes   map[uint8]bool
	itemHandler ItemHandler

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// MsgChan returns the msgCh field of the NetworkTransport.
func (n *NetworkTransport) MsgChan() chan MsgWithSig {
	return n.msgCh
}

// SetItemHandler registers the synchronous handler for item submissions. The
// given types are answered with a status pair instead of flowing to MsgChan.
func (n *NetworkTransport) SetItemHandler(types []uint8, handler ItemHandler) {
	n.itemTypes = make(map[uint8]bool, len(types))
	for _, t := range types {
		n.itemTypes[t] = true
	}
	n.itemHandler = handler
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// GetStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) GetStreamContext() context.Context {
	return n.getStreamContext()
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if !n.IsShutdown() {
				n.logger.Error("failed to accept connection", "error", err)
				return
			}

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		// Handle the connection in dedicated routine
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// handleConn is used to handle an inbound connection for its lifespan. The
// handler will exit when the passed context is cancelled or the connection is
// closed. The first eight bytes on the wire must be the protocol magic.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	var magicBuf [8]byte
	if _, err := io.ReadFull(r, magicBuf[:]); err != nil {
		n.logger.Error("failed to read protocol magic", "error", err)
		return
	}
	if binary.BigEndian.Uint64(magicBuf[:]) != Magic {
		n.logger.Warn("rejecting connection with bad magic",
			"remote-address", conn.RemoteAddr().String())
		return
	}

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleMsg(r, w, dec); err != nil {
			if err != io.EOF {
				n.logger.Error("failed to decode incoming command", "error", err)
			}
			return
		}
		if err := w.Flush(); err != nil {
			n.logger.Error("failed to flush response", "error", err)
			return
		}
	}
}

// handleMsg is used to decode and dispatch a single msg.
func (n *NetworkTransport) handleMsg(r *bufio.Reader, w *bufio.Writer, dec *codec.Decoder) error {
	// Get the msg type
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	reflectedType, ok := n.reflectedTypesMap[rpcType]
	if !ok {
		return fmt.Errorf("type of the msg (%d) is unknown", rpcType)
	}
	msgBody := reflect.Zero(reflectedType).Interface()
	if err := dec.Decode(&msgBody); err != nil {
		return err
	}

	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return err
	}

	if n.itemTypes[rpcType] && n.itemHandler != nil {
		status, substatus := n.itemHandler(rpcType, msgBody, sig)
		if err := w.WriteByte(status); err != nil {
			return err
		}
		return w.WriteByte(substatus)
	}

	msgWithSig := MsgWithSig{
		Msg: msgBody,
		Sig: sig,
	}

	select {
	case n.msgCh <- msgWithSig:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
	return nil
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.shutdown = true
	}
	return nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	// Dial a new connection
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	// Wrap the conn
	netC := &NetConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
	}

	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})

	// The dialing side opens the conversation with the protocol magic.
	var magicBuf [8]byte
	binary.BigEndian.PutUint64(magicBuf[:], Magic)
	if _, err := netC.w.Write(magicBuf[:]); err != nil {
		netC.Release()
		return nil, err
	}

	return netC, nil
}

// GetConn returns an idle connection. If there is no one, dial a new connection.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	// Check for an exiting conn
	netConns, ok := n.connPool[target]
	if ok && len(netConns) > 0 {
		var netC *NetConn
		num := len(netConns)
		netC, netConns[num-1] = netConns[num-1], nil
		n.connPool[target] = netConns[:num-1]
		return netC, nil
	}

	return n.dialConn(target)
}

// ReturnConn returns the connection back to the pool.
// To avoid establishing connections repeatedly, try to maintain the net connection for later reusage.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := netC.target
	netConns := n.connPool[key]

	if !n.IsShutdown() && len(netConns) < n.maxPool {
		n.connPool[key] = append(netConns, netC)
		return nil
	}
	return netC.Release()
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	MaxPool int

	ReflectedTypesMap map[uint8]reflect.Type

	Logger hclog.Logger

	// Dialer
	Stream StreamLayer

	// Timeout is used to apply a deadline on dials. Status reads use the
	// timeout passed to SendItem.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct.
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "schain-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	trans := &NetworkTransport{
		connPool:          make(map[string][]*NetConn),
		maxPool:           config.MaxPool,
		msgCh:             make(chan MsgWithSig, 1),
		reflectedTypesMap: config.ReflectedTypesMap,
		logger:            config.Logger,
		shutdownCh:        make(chan struct{}),
		stream:            config.Stream,
		timeout:           config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// NewNetworkTransport creates a new network transport with the given dialer
// and listener. The maxPool controls how many connections we will pool.
func NewNetworkTransport(
	stream StreamLayer,
	timeout time.Duration,
	logOutput io.Writer,
	maxPool int,
	reflectedTypesMap map[uint8]reflect.Type,
) *NetworkTransport {
	if logOutput == nil {
		logOutput = os.Stderr
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "schain-net",
		Output: logOutput,
		Level:  hclog.DefaultLevel,
	})
	config := &NetworkTransportConfig{Stream: stream, Timeout: timeout, Logger: logger, MaxPool: maxPool,
		ReflectedTypesMap: reflectedTypesMap}
	return NewNetworkTransportWithConfig(config)
}

// SendMsg is used to encode and send the msg. No reply is expected.
func SendMsg(conn *NetConn, rpcType uint8, args interface{}, sig []byte) error {
	// Write the msg type
	if err := conn.w.WriteByte(rpcType); err != nil {
		conn.Release()
		return err
	}

	// Send the msg
	if err := conn.enc.Encode(args); err != nil {
		conn.Release()
		return err
	}

	// Send the ED25519 signature
	if err := conn.enc.Encode(sig); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}

// SendItem encodes and sends an item submission, then blocks for the
// two-byte status reply. The timeout bounds the wait for the reply.
func SendItem(conn *NetConn, rpcType uint8, args interface{}, sig []byte,
	timeout time.Duration) (uint8, uint8, error) {
	if err := SendMsg(conn, rpcType, args, sig); err != nil {
		return StatusError, SubNone, err
	}

	if timeout > 0 {
		if err := conn.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			conn.Release()
			return StatusError, SubNone, err
		}
	}

	var statusBuf [2]byte
	if _, err := io.ReadFull(conn.r, statusBuf[:]); err != nil {
		conn.Release()
		return StatusError, SubNone, err
	}
	if timeout > 0 {
		if err := conn.conn.SetReadDeadline(time.Time{}); err != nil {
			conn.Release()
			return StatusError, SubNone, err
		}
	}
	return statusBuf[0], statusBuf[1], nil
}
