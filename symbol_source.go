package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

// InputStats counts what a symbol source has fed to the pipeline
type InputStats struct {
	Source     string `json:"source"`
	Symbols    uint64 `json:"symbols"`
	RTPPackets uint64 `json:"rtp_packets,omitempty"`
	RTPLost    uint64 `json:"rtp_lost,omitempty"`
	RTPIgnored uint64 `json:"rtp_ignored,omitempty"` // Wrong payload type or malformed
}

// SymbolSource feeds soft symbols into a pipeline until its input ends or
// ctx is cancelled
type SymbolSource interface {
	Run(ctx context.Context, p *pipeline.Pipeline) error
	Stats() InputStats
}

// SymbolFormat is the on-disk or on-wire encoding of one soft value
type SymbolFormat int

const (
	FormatInt8  SymbolFormat = iota // Two's complement, positive = 1
	FormatUint8                     // Offset binary, 128 = erasure
)

func ParseSymbolFormat(s string) (SymbolFormat, error) {
	switch strings.ToLower(s) {
	case "", "int8", "s8":
		return FormatInt8, nil
	case "uint8", "u8":
		return FormatUint8, nil
	}
	return 0, fmt.Errorf("unknown symbol format %q", s)
}

// convertSymbols reinterprets raw bytes as soft values, reusing dst.
func convertSymbols(dst []int8, raw []byte, format SymbolFormat) []int8 {
	dst = dst[:0]
	switch format {
	case FormatUint8:
		for _, b := range raw {
			dst = append(dst, int8(b^0x80))
		}
	default:
		for _, b := range raw {
			dst = append(dst, int8(b))
		}
	}
	return dst
}

// FileSource reads soft symbols from a file, or stdin when the path is "-".
// Files ending in .gz or .zst are decompressed on the fly.
type FileSource struct {
	path      string
	format    SymbolFormat
	chunkSize int
	metrics   *PrometheusMetrics
	logger    *log.Logger

	symbols atomic.Uint64
}

func NewFileSource(cfg InputConfig, metrics *PrometheusMetrics, logger *log.Logger) (*FileSource, error) {
	format, err := ParseSymbolFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	return &FileSource{
		path:      cfg.Path,
		format:    format,
		chunkSize: max(cfg.ChunkSize, 1),
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// openSymbolReader opens path and wraps it in a decompressor chosen by the
// file extension. The returned closer releases everything.
func openSymbolReader(path string) (io.Reader, func() error, error) {
	var f *os.File
	if path == "-" {
		f = os.Stdin
	} else {
		var err error
		if f, err = os.Open(path); err != nil {
			return nil, nil, fmt.Errorf("failed to open input: %w", err)
		}
	}
	closeFile := func() error {
		if f == os.Stdin {
			return nil
		}
		return f.Close()
	}
	br := bufio.NewReaderSize(f, 1<<16)

	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(br)
		if err != nil {
			closeFile()
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, func() error {
			zr.Close()
			return closeFile()
		}, nil
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(br)
		if err != nil {
			closeFile()
			return nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr, func() error {
			zr.Close()
			return closeFile()
		}, nil
	}
	return br, closeFile, nil
}

// Run copies the whole file into the pipeline and closes its input. It
// returns early, without error, once the pipeline stops accepting symbols.
func (s *FileSource) Run(ctx context.Context, p *pipeline.Pipeline) error {
	defer p.CloseInput()

	r, closer, err := openSymbolReader(s.path)
	if err != nil {
		return err
	}
	defer closer()
	s.logger.Info("reading soft symbols", "path", s.path, "chunk", s.chunkSize)

	raw := make([]byte, s.chunkSize)
	soft := make([]int8, 0, s.chunkSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := io.ReadFull(r, raw)
		if n > 0 {
			soft = convertSymbols(soft, raw[:n], s.format)
			if !p.Write(soft) {
				return nil
			}
			s.symbols.Add(uint64(n))
			s.metrics.RecordInputSymbols(n)
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.logger.Info("end of input", "symbols", s.symbols.Load())
			return nil
		default:
			s.metrics.RecordInputError("file")
			return fmt.Errorf("failed to read input: %w", err)
		}
	}
}

func (s *FileSource) Stats() InputStats {
	return InputStats{Source: "file", Symbols: s.symbols.Load()}
}
