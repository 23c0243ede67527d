package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by Send and Recv once a connection is closed
var ErrClosed = errors.New("protocol: connection closed")

// Conn is one side of an ordered, bidirectional message channel.
//
// Send transfers ownership of any frame carried by msg, whether or not it
// returns an error. Recv blocks until a message arrives or the connection is
// closed. Send and Recv may be called from different goroutines.
type Conn interface {
	Send(msg Message) error
	Recv() (Message, error)
	Close() error
}

// pipeBuffer is the per-direction queue depth of an in-process pipe
const pipeBuffer = 64

type pipeHalf struct {
	in     <-chan Message
	out    chan<- Message
	closed chan struct{}
	once   *sync.Once
	drain  func()
}

// Pipe returns two connected in-process endpoints. Frames move between them
// without copying. Closing either side closes both and releases the frames
// of anything still queued.
func Pipe() (Conn, Conn) {
	a := make(chan Message, pipeBuffer)
	b := make(chan Message, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	drain := func() {
		drainQueue(a)
		drainQueue(b)
	}
	return &pipeHalf{in: b, out: a, closed: closed, once: once, drain: drain},
		&pipeHalf{in: a, out: b, closed: closed, once: once, drain: drain}
}

func drainQueue(ch chan Message) {
	for {
		select {
		case msg := <-ch:
			msg.ReleaseFrame()
		default:
			return
		}
	}
}

func (p *pipeHalf) Send(msg Message) error {
	select {
	case <-p.closed:
		msg.ReleaseFrame()
		return ErrClosed
	default:
	}

	select {
	case p.out <- msg:
		// Close may have drained the queue just before this message landed
		select {
		case <-p.closed:
			p.drain()
		default:
		}
		return nil
	case <-p.closed:
		msg.ReleaseFrame()
		return ErrClosed
	}
}

func (p *pipeHalf) Recv() (Message, error) {
	select {
	case <-p.closed:
		return Message{}, ErrClosed
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return Message{}, ErrClosed
	}
}

func (p *pipeHalf) Close() error {
	p.once.Do(func() { close(p.closed) })
	p.drain()
	return nil
}

// StreamConn carries length-prefixed encoded messages over a byte stream
// such as a subprocess's stdin/stdout pair.
type StreamConn struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	codec  Codec

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamConn builds a stream connection. closer may be nil.
func NewStreamConn(r io.Reader, w io.Writer, closer io.Closer, codec Codec) *StreamConn {
	if codec == nil {
		codec = MsgpackCodec{}
	}
	return &StreamConn{
		r:      r,
		w:      w,
		closer: closer,
		codec:  codec,
		closed: make(chan struct{}),
	}
}

// Send encodes msg and writes it as one frame. The in-process frame is
// released once encoded.
func (c *StreamConn) Send(msg Message) error {
	if c.isClosed() {
		msg.ReleaseFrame()
		return ErrClosed
	}

	data, err := c.codec.Marshal(&msg)
	msg.ReleaseFrame()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.w, data); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("protocol: send %s: %w", msg.Type, err)
	}
	return nil
}

// Recv reads and decodes the next message. A clean end of stream is reported
// as io.EOF.
func (c *StreamConn) Recv() (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	data, err := ReadFrame(c.r)
	if err != nil {
		if c.isClosed() {
			return Message{}, ErrClosed
		}
		return Message{}, err
	}

	var msg Message
	if err := c.codec.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close closes the underlying stream
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			err = c.closer.Close()
		}
	})
	return err
}

func (c *StreamConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// multiCloser closes several streams, returning the first error
type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Closers combines closers into one
func Closers(cs ...io.Closer) io.Closer {
	return multiCloser(cs)
}
