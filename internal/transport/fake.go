package transport

import "sync"

// Responder plays the device side of a Fake: it is called for every byte the
// host writes and returns the bytes the device puts on the line in reply.
type Responder func(b byte) []byte

// Fake is an in-memory Transport used by tests. Reads never
// block; an empty receive queue behaves like a read timeout.
type Fake struct {
	mu      sync.Mutex
	respond Responder
	rx      []byte
	written []byte
	closed  bool
}

func NewFake(respond Responder) *Fake {
	return &Fake{respond: respond}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) WriteByte(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, b)
	if f.respond != nil {
		f.rx = append(f.rx, f.respond(b)...)
	}
	return nil
}

func (f *Fake) ReadByte() (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rx) == 0 {
		return 0, ErrReadTimeout
	}
	b := f.rx[0]
	f.rx = f.rx[1:]
	return b, nil
}

func (f *Fake) ReadFrame(max int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.rx)
	if n > max {
		n = max
	}
	out := append([]byte(nil), f.rx[:n]...)
	f.rx = f.rx[n:]
	return out, nil
}

// Inject queues unsolicited bytes as if the device had sent them.
func (f *Fake) Inject(b ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx = append(f.rx, b...)
}

// Written returns a copy of everything the host has written so far.
func (f *Fake) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written...)
}

// ResetWritten clears the write log.
func (f *Fake) ResetWritten() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = nil
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
