package respcodec

import "testing"

func TestParseSimpleString(t *testing.T) {
	v, n, err := Parse([]byte("+OK\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != TypeSimpleString || v.Str != "OK" || n != 5 {
		t.Fatalf("unexpected result: %+v n=%d", v, n)
	}
}

func TestParseNeedMore(t *testing.T) {
	_, _, err := Parse([]byte("$5\r\nhel"))
	if err != ErrNeedMore {
		t.Fatalf("expected ErrNeedMore, got %v", err)
	}
}

func TestParseBulkStringZeroLength(t *testing.T) {
	v, n, err := Parse([]byte("$0\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "" || n != 6 {
		t.Fatalf("unexpected result: %+v n=%d", v, n)
	}
}

func TestParseNullBulkString(t *testing.T) {
	v, n, err := Parse([]byte("$-1\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Null || n != 5 {
		t.Fatalf("expected null bulk string, got %+v n=%d", v, n)
	}
}

func TestParseArrayAndRoutingKey(t *testing.T) {
	raw := "*2\r\n$3\r\nGET\r\n$1\r\nx\r\n"
	v, n, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(raw), n)
	}
	cmd, ok := v.CommandName()
	if !ok || cmd != "GET" {
		t.Fatalf("expected command GET, got %q ok=%v", cmd, ok)
	}
	key, ok := v.RoutingKey()
	if !ok || key != "x" {
		t.Fatalf("expected key x, got %q ok=%v", key, ok)
	}
}

func TestParseMovedError(t *testing.T) {
	v, _, err := Parse([]byte("-MOVED 7000 10.0.0.2:6379\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	slot, addr, ok := v.IsMovedError()
	if !ok || slot != 7000 || addr != "10.0.0.2:6379" {
		t.Fatalf("expected MOVED 7000 10.0.0.2:6379, got slot=%d addr=%q ok=%v", slot, addr, ok)
	}
}

func TestParseAskError(t *testing.T) {
	v, _, err := Parse([]byte("-ASK 42 10.0.0.3:6379\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	slot, addr, ok := v.IsAskError()
	if !ok || slot != 42 || addr != "10.0.0.3:6379" {
		t.Fatalf("expected ASK 42 10.0.0.3:6379, got slot=%d addr=%q ok=%v", slot, addr, ok)
	}
}

func TestParseRejectsOversizedBulkLength(t *testing.T) {
	_, _, err := Parse([]byte("$99999999999\r\n"))
	if err == nil {
		t.Fatal("expected an error for an absurd bulk length")
	}
	if err == ErrNeedMore {
		t.Fatal("expected a parse error, not ErrNeedMore, for an oversized length")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	raw := Encode("SET", "foo", "bar")
	v, n, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Fatalf("expected to consume all %d bytes, consumed %d", len(raw), n)
	}
	cmd, _ := v.CommandName()
	if cmd != "SET" {
		t.Fatalf("expected SET, got %q", cmd)
	}
}

func TestParseIncremental(t *testing.T) {
	raw := []byte("*1\r\n$6\r\nASKING\r\n")
	// Feed one byte at a time; every attempt before the full value is
	// present must report ErrNeedMore, and the final attempt must consume
	// exactly len(raw).
	for i := 1; i < len(raw); i++ {
		_, _, err := Parse(raw[:i])
		if err != ErrNeedMore {
			t.Fatalf("prefix of length %d: expected ErrNeedMore, got %v", i, err)
		}
	}
	v, n, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(raw) {
		t.Fatalf("expected full consumption, got %d of %d", n, len(raw))
	}
	cmd, _ := v.CommandName()
	if cmd != "ASKING" {
		t.Fatalf("expected ASKING, got %q", cmd)
	}
}
