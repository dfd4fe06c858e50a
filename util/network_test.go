package util

import (
	"net"
	"testing"
)

func TestFormatAddr(t *testing.T) {
	if got := FormatAddr("1.2.3.4", 22); got != "1.2.3.4:22" {
		t.Errorf("got %q, want %q", got, "1.2.3.4:22")
	}
	if got := FormatAddr("::1", 443); got != "[::1]:443" {
		t.Errorf("got %q, want %q", got, "[::1]:443")
	}
}

func TestSplitAddr(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"127.0.0.1:9100", "127.0.0.1", 9100, false},
		{"[::1]:80", "::1", 80, false},
		{":8080", "", 8080, false},
		{"relay.example.com:http", "", 0, true},
		{"no-port", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := SplitAddr(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("SplitAddr(%q) err=%v wantErr=%v", tt.addr, err, tt.wantErr)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("SplitAddr(%q) = %q,%d want %q,%d", tt.addr, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

func TestValidPort(t *testing.T) {
	for _, p := range []int{1, 80, 65535} {
		if !ValidPort(p) {
			t.Errorf("ValidPort(%d) = false", p)
		}
	}
	for _, p := range []int{-1, 0, 65536} {
		if ValidPort(p) {
			t.Errorf("ValidPort(%d) = true", p)
		}
	}
}

func TestFindFreePort(t *testing.T) {
	port, err := FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("port %d out of range", port)
	}

	// The port should be bindable right after.
	ln, err := net.Listen("tcp", FormatAddr("127.0.0.1", port))
	if err != nil {
		t.Fatalf("port %d not bindable: %v", port, err)
	}
	ln.Close()
}

func TestBufPool_RoundTrip(t *testing.T) {
	buf := GetBuf()
	if buf == nil {
		t.Fatal("GetBuf returned nil")
	}
	if len(*buf) != DefaultBufSize {
		t.Errorf("buffer size = %d, want %d", len(*buf), DefaultBufSize)
	}

	(*buf)[0] = 0xFF
	PutBuf(buf)

	buf2 := GetBuf()
	if buf2 == nil {
		t.Fatal("second GetBuf returned nil")
	}
	PutBuf(buf2)
}

func TestPutBuf_Nil(t *testing.T) {
	// Should not panic.
	PutBuf(nil)
}
