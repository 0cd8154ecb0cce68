package rediscluster

import (
	"bufio"
	"net"
	"testing"
	"time"

	"dbclusterlb/internal/respcodec"
)

// fakeNode accepts a single connection and replies to each request in turn
// with the next entry of replies, verbatim.
func fakeNode(t *testing.T, replies ...string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for _, reply := range replies {
			if _, err := readRESPValue(reader); err != nil {
				return
			}
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
	return ln
}

func readRESPValue(r *bufio.Reader) (*respcodec.Value, error) {
	buf := make([]byte, 0, 256)
	for {
		v, _, err := respcodec.Parse(buf)
		if err == nil {
			return v, nil
		}
		if err != respcodec.ErrNeedMore {
			return nil, err
		}
		b, rerr := r.ReadByte()
		if rerr != nil {
			return nil, rerr
		}
		buf = append(buf, b)
	}
}

func TestRedirectorFollowsMoved(t *testing.T) {
	target := fakeNode(t, "+OK\r\n")
	defer target.Close()

	topo := New()
	redirector := NewRedirector(topo, 3, 2*time.Second)

	cmd := respcodec.Encode("SET", "foo", "bar")
	movedReply, _, err := respcodec.Parse([]byte("-MOVED 7000 " + target.Addr().String() + "\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	reply, err := redirector.Follow(cmd, movedReply)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "+OK\r\n" {
		t.Fatalf("expected +OK, got %q", reply)
	}

	_, addr, ok := topo.NodeForSlot(7000)
	if !ok || addr != target.Addr().String() {
		t.Errorf("expected MOVED to update slot map to %s, got %s ok=%v", target.Addr(), addr, ok)
	}
}

func TestRedirectorFollowsAskWithoutUpdatingSlotMap(t *testing.T) {
	target := fakeNode(t, "+OK\r\n", "$5\r\nhello\r\n")
	defer target.Close()

	topo := New()
	redirector := NewRedirector(topo, 3, 2*time.Second)

	cmd := respcodec.Encode("GET", "x")
	askReply, _, err := respcodec.Parse([]byte("-ASK 42 " + target.Addr().String() + "\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	reply, err := redirector.Follow(cmd, askReply)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "$5\r\nhello\r\n" {
		t.Fatalf("expected bulk reply hello, got %q", reply)
	}

	if _, _, ok := topo.NodeForSlot(42); ok {
		t.Errorf("expected ASK not to update the slot map")
	}
}

func TestRedirectorExceedsBound(t *testing.T) {
	// Every hop replies with another MOVED to the same address, so the
	// redirector should exhaust its budget and fail rather than loop forever.
	var ln net.Listener
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				reader := bufio.NewReader(c)
				if _, err := readRESPValue(reader); err != nil {
					return
				}
				c.Write([]byte("-MOVED 7000 " + ln.Addr().String() + "\r\n"))
			}(conn)
		}
	}()

	topo := New()
	redirector := NewRedirector(topo, 2, 2*time.Second)

	cmd := respcodec.Encode("SET", "foo", "bar")
	movedReply, _, err := respcodec.Parse([]byte("-MOVED 7000 " + ln.Addr().String() + "\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = redirector.Follow(cmd, movedReply)
	if err != ErrTooManyRedirections {
		t.Fatalf("expected ErrTooManyRedirections, got %v", err)
	}
}
