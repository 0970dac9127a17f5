package hardware

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

// FileDisplay writes the request QR code as a PNG file the user opens on
// the desktop.
type FileDisplay struct {
	Dir string
}

func (d FileDisplay) Show(ctx context.Context, req AirgapRequest, png []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.Dir, 0o700); err != nil {
		return fmt.Errorf("mkdir qr dir: %w", err)
	}
	path := filepath.Join(d.Dir, "airgap-request.png")
	if err := os.WriteFile(path, png, 0o600); err != nil {
		return fmt.Errorf("write qr: %w", err)
	}
	log.Info("scan the QR code with your air-gapped device", "op", req.Op, "path", path)
	return nil
}

// LineScanner reads one answer per line, as pasted from a desktop QR reader.
// An empty line cancels. A single reader goroutine owns r, so a Scan that
// gives up on ctx leaves the next line for the following Scan.
type LineScanner struct {
	r     *bufio.Reader
	once  sync.Once
	lines chan scannedLine
}

type scannedLine struct {
	line string
	err  error
}

func NewLineScanner(r io.Reader) *LineScanner {
	if r == nil {
		return &LineScanner{}
	}
	return &LineScanner{r: bufio.NewReader(r), lines: make(chan scannedLine)}
}

func (s *LineScanner) Ready(context.Context) error {
	if s.r == nil {
		return ErrNoCamera
	}
	return nil
}

func (s *LineScanner) Scan(ctx context.Context) ([]byte, error) {
	if s.r == nil {
		return nil, ErrNoCamera
	}
	s.once.Do(func() { go s.readLines() })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-s.lines:
		if !ok {
			return nil, ErrScanCancelled
		}
		line := strings.TrimSpace(res.line)
		if line == "" {
			if res.err != nil && res.err != io.EOF {
				return nil, res.err
			}
			return nil, ErrScanCancelled
		}
		return []byte(line), nil
	}
}

// readLines hands each line to exactly one Scan and stops at the first
// read error.
func (s *LineScanner) readLines() {
	defer close(s.lines)
	for {
		line, err := s.r.ReadString('\n')
		s.lines <- scannedLine{line: line, err: err}
		if err != nil {
			if err != io.EOF {
				log.Warn("air-gap answer input closed", "error", err)
			}
			return
		}
	}
}
