// Package telemetry implements TelemetryStream (TS): a small framed TCP
// file-push protocol companion to MissionLink. Unlike ML, TS does no
// retransmission or reordering of its own — TCP already guarantees that —
// it only frames a filename and a body onto the stream (spec §4.9).
package telemetry

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/groundcrew/missionlink/internal/wire"
)

// Server accepts TS connections serially, one at a time, writing each
// received file into StoreDir under the base name (directory components
// stripped) of the filename the wire carried.
type Server struct {
	Listener net.Listener
	StoreDir string
	BufSize  int
	Log      *slog.Logger
}

// NewServer wraps an already-bound TCP listener. Call Serve to start
// accepting.
func NewServer(l net.Listener, storeDir string, bufSize int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Server{Listener: l, StoreDir: storeDir, BufSize: bufSize, Log: log}
}

// Serve accepts and handles connections until the listener is closed (it
// takes no context; closing the listener is how it is stopped). Each connection is handled to completion before the next Accept,
// mirroring the source's single-client-at-a-time server loop.
func (s *Server) Serve() error {
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			return err
		}
		s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	filename, n, err := s.receiveFile(conn)
	if err != nil {
		s.Log.Warn("telemetry: receive failed", "peer", peer, "err", err)
		return
	}
	s.Log.Info("telemetry: file received", "peer", peer, "filename", filename, "bytes", n)
}

// receiveFile reads one length-prefixed filename and streams the body to
// disk under StoreDir, returning the filename and byte count written.
func (s *Server) receiveFile(conn net.Conn) (string, int64, error) {
	r := bufio.NewReaderSize(conn, s.BufSize)

	lenBuf := make([]byte, wire.TSLengthPrefixSize)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return "", 0, fmt.Errorf("telemetry: read length prefix: %w", err)
	}
	nameLen, err := wire.DecodeTSLength(lenBuf)
	if err != nil {
		return "", 0, err
	}

	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", 0, fmt.Errorf("telemetry: read filename: %w", err)
	}
	filename := string(nameBuf)

	if err := os.MkdirAll(s.StoreDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("telemetry: create store dir: %w", err)
	}
	dst, err := os.Create(filepath.Join(s.StoreDir, filepath.Base(filename)))
	if err != nil {
		return "", 0, fmt.Errorf("telemetry: create %s: %w", filename, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, r)
	if err != nil {
		return filename, n, fmt.Errorf("telemetry: write body: %w", err)
	}
	return filename, n, nil
}

// Client pushes one file per SendFile call, opening and closing a fresh TCP
// connection each time (spec §4.9: "client opens, writes length+name+body,
// closes").
type Client struct {
	Addr    string
	BufSize int
}

// NewClient returns a Client dialing addr (host:port) for each send.
func NewClient(addr string, bufSize int) *Client {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Client{Addr: addr, BufSize: bufSize}
}

// SendFile streams filename's basename plus body to the server.
func (c *Client) SendFile(filename string, body io.Reader) error {
	conn, err := net.Dial("tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("telemetry: dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	name := filepath.Base(filename)
	lenPrefix, err := wire.EncodeTSLength(len(name))
	if err != nil {
		return err
	}

	w := bufio.NewWriterSize(conn, c.BufSize)
	if _, err := w.Write(lenPrefix); err != nil {
		return fmt.Errorf("telemetry: write length prefix: %w", err)
	}
	if _, err := w.WriteString(name); err != nil {
		return fmt.Errorf("telemetry: write filename: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("telemetry: write body: %w", err)
	}
	return w.Flush()
}

// SendFilePath opens path from disk and sends it, reporting progress through
// progress when it is non-nil.
func (c *Client) SendFilePath(path string, progress ProgressReporter) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	defer f.Close()

	var body io.Reader = f
	if progress != nil {
		info, err := f.Stat()
		if err == nil {
			body = progress.Wrap(f, info.Size(), filepath.Base(path))
		}
	}
	return c.SendFile(path, body)
}

// ProgressReporter decorates a file body reader with a progress display.
// cmd/rover passes TerminalProgress (schollz/progressbar) for interactive
// rover uploads; tests and headless callers pass nil.
type ProgressReporter interface {
	Wrap(r io.Reader, size int64, label string) io.Reader
}
