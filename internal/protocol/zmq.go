package protocol

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
)

// zmqPollInterval bounds how long an outbound message waits for the socket loop
const zmqPollInterval = 20 * time.Millisecond

// zmqCloseLinger bounds how long messages sent just before Close may still be
// flushed to the peer
const zmqCloseLinger = 250 * time.Millisecond

type zmqOutbound struct {
	data []byte
	errc chan error
}

// ZMQConn carries encoded messages over a ZeroMQ PAIR socket, so the engine
// can run on another host. ZeroMQ sockets are not goroutine-safe; a single
// loop goroutine owns the socket and serves both directions.
type ZMQConn struct {
	sock     *zmq4.Socket
	codec    Codec
	endpoint string

	out  chan zmqOutbound
	in   chan Message
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// DialZMQ connects a PAIR socket to endpoint (e.g. "tcp://engine-host:5557")
func DialZMQ(endpoint string, codec Codec) (*ZMQConn, error) {
	return newZMQConn(endpoint, codec, false)
}

// ListenZMQ binds a PAIR socket on endpoint (e.g. "tcp://*:5557")
func ListenZMQ(endpoint string, codec Codec) (*ZMQConn, error) {
	return newZMQConn(endpoint, codec, true)
}

func newZMQConn(endpoint string, codec Codec, bind bool) (*ZMQConn, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("protocol: zmq endpoint is required")
	}
	if codec == nil {
		codec = MsgpackCodec{}
	}

	sock, err := zmq4.NewSocket(zmq4.PAIR)
	if err != nil {
		return nil, fmt.Errorf("protocol: create zmq socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("protocol: set zmq linger: %w", err)
	}

	if bind {
		err = sock.Bind(endpoint)
	} else {
		err = sock.Connect(endpoint)
	}
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("protocol: zmq endpoint %s: %w", endpoint, err)
	}

	c := &ZMQConn{
		sock:     sock,
		codec:    codec,
		endpoint: endpoint,
		out:      make(chan zmqOutbound),
		in:       make(chan Message, pipeBuffer),
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.loop()

	slog.Info("protocol: zmq connection ready", "endpoint", endpoint, "bind", bind, "codec", codec.Name())
	return c, nil
}

func (c *ZMQConn) loop() {
	defer c.wg.Done()
	defer func() {
		if err := c.sock.SetLinger(zmqCloseLinger); err != nil {
			slog.Debug("protocol: zmq set close linger", "error", err)
		}
		c.sock.Close()
	}()

	poller := zmq4.NewPoller()
	poller.Add(c.sock, zmq4.POLLIN)

	for {
		select {
		case <-c.done:
			return
		case o := <-c.out:
			_, err := c.sock.SendBytes(o.data, 0)
			o.errc <- err
			continue
		default:
		}

		polled, err := poller.Poll(zmqPollInterval)
		if err != nil {
			slog.Debug("protocol: zmq poll interrupted", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		data, err := c.sock.RecvBytes(zmq4.DONTWAIT)
		if err != nil {
			slog.Debug("protocol: zmq recv", "error", err)
			continue
		}

		var msg Message
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			slog.Warn("protocol: dropping undecodable zmq message", "error", err, "size", len(data))
			continue
		}

		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

// Send encodes msg and queues it on the socket loop
func (c *ZMQConn) Send(msg Message) error {
	data, err := c.codec.Marshal(&msg)
	msg.ReleaseFrame()
	if err != nil {
		return err
	}

	o := zmqOutbound{data: data, errc: make(chan error, 1)}
	select {
	case c.out <- o:
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-o.errc:
		if err != nil {
			return fmt.Errorf("protocol: zmq send %s: %w", msg.Type, err)
		}
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Recv returns the next decoded message
func (c *ZMQConn) Recv() (Message, error) {
	select {
	case <-c.done:
		return Message{}, ErrClosed
	default:
	}

	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return Message{}, ErrClosed
	}
}

// Close stops the socket loop and closes the socket
func (c *ZMQConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		slog.Info("protocol: zmq connection closed", "endpoint", c.endpoint)
	})
	return nil
}
