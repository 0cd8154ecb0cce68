package health

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"

	"dbclusterlb/internal/registry"
)

const (
	opQuery = 2004
	opReply = 1
)

// MongoChecker issues a Wire Protocol isMaster/hello round-trip against a
// fresh TCP socket per probe, grounded on the handshake framing in the
// teacher's MongoDB handler (16-byte header: length, requestId, responseTo,
// opcode). A plain TCP connect is not sufficient: the checker validates the
// reply document's ok field, so a router that accepts TCP but cannot reach
// its config servers is reported unhealthy.
type MongoChecker struct{}

// NewMongoChecker creates a MongoDB isMaster/hello health checker.
func NewMongoChecker() *MongoChecker { return &MongoChecker{} }

func (c *MongoChecker) Check(ctx context.Context, b registry.Backend) (Outcome, string) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.Address)
	if err != nil {
		return OutcomeUnhealthy, fmt.Sprintf("dial failed: %v", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	requestID := rand.Int31()
	req := buildIsMasterRequest(requestID)
	if _, err := conn.Write(req); err != nil {
		return OutcomeUnhealthy, fmt.Sprintf("write failed: %v", err)
	}

	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		if isTimeout(err) {
			return OutcomeTimeout, "no reply within timeout"
		}
		return OutcomeUnhealthy, fmt.Sprintf("truncated frame: %v", err)
	}

	messageLength := int32(binary.LittleEndian.Uint32(header[0:4]))
	responseTo := int32(binary.LittleEndian.Uint32(header[8:12]))
	opcode := int32(binary.LittleEndian.Uint32(header[12:16]))

	if responseTo != requestID {
		return OutcomeUnhealthy, "spurious reply: responseTo mismatch"
	}
	if opcode != opReply {
		return OutcomeUnhealthy, fmt.Sprintf("unexpected opcode %d", opcode)
	}
	if messageLength < 16 {
		return OutcomeUnhealthy, "truncated frame: message length too small"
	}

	remaining := make([]byte, messageLength-16)
	if _, err := io.ReadFull(conn, remaining); err != nil {
		if isTimeout(err) {
			return OutcomeTimeout, "reply truncated before timeout"
		}
		return OutcomeUnhealthy, fmt.Sprintf("truncated frame: %v", err)
	}

	// remaining: responseFlags(4) cursorID(8) startingFrom(4) numberReturned(4) then BSON docs
	if len(remaining) < 20 {
		return OutcomeUnhealthy, "truncated reply body"
	}
	doc := remaining[20:]
	fields, err := parseFlatBSON(doc)
	if err != nil {
		return OutcomeUnhealthy, fmt.Sprintf("malformed reply document: %v", err)
	}

	ok, present := fields["ok"]
	if !present {
		return OutcomeUnhealthy, "reply missing ok field"
	}
	if !truthy(ok) {
		errmsg, _ := fields["errmsg"].(string)
		return OutcomeUnhealthy, fmt.Sprintf("ok=0 errmsg=%q", errmsg)
	}

	return OutcomeHealthy, ""
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func truthy(v interface{}) bool {
	switch n := v.(type) {
	case int32:
		return n != 0
	case int64:
		return n != 0
	case float64:
		return n != 0
	case bool:
		return n
	default:
		return false
	}
}

// buildIsMasterRequest builds an OP_QUERY against admin.$cmd carrying
// {isMaster: 1}.
func buildIsMasterRequest(requestID int32) []byte {
	doc := bsonInt32Doc("isMaster", 1)

	collName := []byte("admin.$cmd\x00")
	body := make([]byte, 0, 4+len(collName)+4+4+len(doc))
	body = appendInt32(body, 0) // flags
	body = append(body, collName...)
	body = appendInt32(body, 0)  // numberToSkip
	body = appendInt32(body, -1) // numberToReturn
	body = append(body, doc...)

	messageLength := int32(16 + len(body))
	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(messageLength))
	binary.LittleEndian.PutUint32(header[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(header[8:12], 0)
	binary.LittleEndian.PutUint32(header[12:16], uint32(opQuery))

	return append(header, body...)
}

func appendInt32(b []byte, v int32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, uint32(v))
	return append(b, tmp...)
}

// bsonInt32Doc builds a minimal single-field BSON document {key: int32(val)}.
func bsonInt32Doc(key string, val int32) []byte {
	body := make([]byte, 0, len(key)+10)
	body = append(body, 0x10) // int32 element type
	body = append(body, []byte(key)...)
	body = append(body, 0x00)
	body = appendInt32(body, val)
	body = append(body, 0x00) // document terminator

	total := int32(4 + len(body))
	out := make([]byte, 0, total)
	out = appendInt32(out, total)
	out = append(out, body...)
	return out
}

// parseFlatBSON scans a single-level BSON document for the handful of
// element types an isMaster/hello reply actually uses at its top level.
// Nested documents and arrays are skipped by their declared length rather
// than interpreted — this is enough to validate ok/errmsg without a general
// BSON library, matching the spec's "health-check request/response only"
// parsing boundary.
func parseFlatBSON(doc []byte) (map[string]interface{}, error) {
	if len(doc) < 5 {
		return nil, fmt.Errorf("document too short")
	}
	length := int32(binary.LittleEndian.Uint32(doc[0:4]))
	if int(length) > len(doc) || length < 5 {
		return nil, fmt.Errorf("declared length %d out of range", length)
	}

	out := make(map[string]interface{})
	pos := 4
	for pos < len(doc) {
		elemType := doc[pos]
		if elemType == 0x00 {
			break
		}
		pos++

		nameStart := pos
		for pos < len(doc) && doc[pos] != 0x00 {
			pos++
		}
		if pos >= len(doc) {
			return nil, fmt.Errorf("unterminated field name")
		}
		name := string(doc[nameStart:pos])
		pos++ // skip NUL

		switch elemType {
		case 0x01: // double
			if pos+8 > len(doc) {
				return nil, fmt.Errorf("truncated double")
			}
			bits := binary.LittleEndian.Uint64(doc[pos : pos+8])
			out[name] = math.Float64frombits(bits)
			pos += 8
		case 0x02: // string
			if pos+4 > len(doc) {
				return nil, fmt.Errorf("truncated string length")
			}
			slen := int32(binary.LittleEndian.Uint32(doc[pos : pos+4]))
			pos += 4
			if slen < 1 || pos+int(slen) > len(doc) {
				return nil, fmt.Errorf("invalid string length")
			}
			out[name] = string(doc[pos : pos+int(slen)-1])
			pos += int(slen)
		case 0x08: // bool
			if pos+1 > len(doc) {
				return nil, fmt.Errorf("truncated bool")
			}
			out[name] = doc[pos] != 0
			pos++
		case 0x10: // int32
			if pos+4 > len(doc) {
				return nil, fmt.Errorf("truncated int32")
			}
			out[name] = int32(binary.LittleEndian.Uint32(doc[pos : pos+4]))
			pos += 4
		case 0x12: // int64
			if pos+8 > len(doc) {
				return nil, fmt.Errorf("truncated int64")
			}
			out[name] = int64(binary.LittleEndian.Uint64(doc[pos : pos+8]))
			pos += 8
		case 0x03, 0x04: // embedded document or array: skip by declared length
			if pos+4 > len(doc) {
				return nil, fmt.Errorf("truncated nested document")
			}
			nlen := int32(binary.LittleEndian.Uint32(doc[pos : pos+4]))
			if nlen < 5 || pos+int(nlen) > len(doc) {
				return nil, fmt.Errorf("invalid nested document length")
			}
			pos += int(nlen)
		case 0x05: // binary: length + subtype + bytes
			if pos+4 > len(doc) {
				return nil, fmt.Errorf("truncated binary length")
			}
			blen := int32(binary.LittleEndian.Uint32(doc[pos : pos+4]))
			pos += 4 + 1 + int(blen)
			if pos > len(doc) {
				return nil, fmt.Errorf("invalid binary length")
			}
		case 0x07: // ObjectId: fixed 12 bytes
			pos += 12
		case 0x09: // UTC datetime: fixed 8 bytes
			pos += 8
		case 0x0A: // null: no payload
		default:
			return nil, fmt.Errorf("unsupported BSON element type 0x%02x for field %q", elemType, name)
		}
	}
	return out, nil
}
