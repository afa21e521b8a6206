package telemetry

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// TerminalProgress renders a terminal progress bar for each file sent,
// grounded on the download progress bar the retrieved oci client package
// wires up for large transfers.
type TerminalProgress struct{}

// Wrap tees r through a byte progress bar labeled with the file being sent.
func (TerminalProgress) Wrap(r io.Reader, size int64, label string) io.Reader {
	bar := progressbar.DefaultBytes(size, fmt.Sprintf("upload %s", label))
	return io.TeeReader(r, bar)
}
