package telemetry

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServeReceivesFile(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(ln, dir, 64, nil)
	go srv.Serve()
	defer ln.Close()

	client := NewClient(ln.Addr().String(), 64)
	body := bytes.Repeat([]byte("telemetry-payload-"), 50)
	if err := client.SendFile("rover01_metrics.json", bytes.NewReader(body)); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err = os.ReadFile(filepath.Join(dir, "rover01_metrics.json"))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("file never appeared: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(got), len(body))
	}
}

func TestSendFileStripsDirectoryFromName(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln, dir, 64, nil)
	go srv.Serve()
	defer ln.Close()

	client := NewClient(ln.Addr().String(), 64)
	if err := client.SendFile("/tmp/nested/dir/report.json", bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var exists bool
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "report.json")); err == nil {
			exists = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !exists {
		t.Fatal("expected report.json under store dir, directory components stripped")
	}
}
