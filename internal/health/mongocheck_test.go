package health

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"dbclusterlb/internal/registry"
)

func TestParseFlatBSONRoundTrip(t *testing.T) {
	doc := bsonInt32Doc("isMaster", 1)
	fields, err := parseFlatBSON(doc)
	if err != nil {
		t.Fatal(err)
	}
	if fields["isMaster"] != int32(1) {
		t.Errorf("expected isMaster=1, got %v", fields["isMaster"])
	}
}

// fakeMongod accepts one connection, reads the OP_QUERY header, and replies
// with a minimal OP_REPLY carrying {ok: <ok>} so the checker's responseTo
// validation and ok-field interpretation can be exercised without a real
// MongoDB router.
func fakeMongod(t *testing.T, ok float64) net.Listener {
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

		header := make([]byte, 16)
		if _, err := conn.Read(header); err != nil {
			return
		}
		requestID := int32(binary.LittleEndian.Uint32(header[4:8]))

		okBits := make([]byte, 8)
		binary.LittleEndian.PutUint64(okBits, math.Float64bits(ok))
		doc := make([]byte, 0)
		doc = append(doc, 0x01) // double
		doc = append(doc, []byte("ok")...)
		doc = append(doc, 0x00)
		doc = append(doc, okBits...)
		doc = append(doc, 0x00)
		docLen := int32(4 + len(doc))
		full := make([]byte, 0, docLen)
		lenBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBytes, uint32(docLen))
		full = append(full, lenBytes...)
		full = append(full, doc...)

		body := make([]byte, 0, 20+len(full))
		body = appendInt32(body, 0)             // response flags
		body = append(body, make([]byte, 8)...) // cursor id
		body = appendInt32(body, 0)             // starting from
		body = appendInt32(body, 1)             // number returned
		body = append(body, full...)

		msgLen := int32(16 + len(body))
		replyHeader := make([]byte, 16)
		binary.LittleEndian.PutUint32(replyHeader[0:4], uint32(msgLen))
		binary.LittleEndian.PutUint32(replyHeader[4:8], 1)
		binary.LittleEndian.PutUint32(replyHeader[8:12], uint32(requestID))
		binary.LittleEndian.PutUint32(replyHeader[12:16], uint32(opReply))

		conn.Write(replyHeader)
		conn.Write(body)
	}()
	return ln
}

func TestMongoCheckerHealthy(t *testing.T) {
	ln := fakeMongod(t, 1.0)
	defer ln.Close()

	c := NewMongoChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome, reason := c.Check(ctx, registry.Backend{ID: "m1", Address: ln.Addr().String()})
	if outcome != OutcomeHealthy {
		t.Errorf("expected healthy, got %v (%s)", outcome, reason)
	}
}

func TestMongoCheckerUnhealthyOnOkZero(t *testing.T) {
	ln := fakeMongod(t, 0.0)
	defer ln.Close()

	c := NewMongoChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome, _ := c.Check(ctx, registry.Backend{ID: "m1", Address: ln.Addr().String()})
	if outcome != OutcomeUnhealthy {
		t.Errorf("expected unhealthy on ok=0, got %v", outcome)
	}
}

func TestMongoCheckerDialFailure(t *testing.T) {
	c := NewMongoChecker()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	outcome, _ := c.Check(ctx, registry.Backend{ID: "ghost", Address: "127.0.0.1:1"})
	if outcome != OutcomeUnhealthy {
		t.Errorf("expected unhealthy on connection refused, got %v", outcome)
	}
}
