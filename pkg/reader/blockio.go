package reader

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gregLibert/pcsc-reader/pkg/pcsc"
)

const (
	DefaultBlockSize  = 4
	DefaultPacketSize = 16

	maxBlock = 0xFF
)

type ioConfig struct {
	blockSize  int
	packetSize int
}

// IOOption tunes Read and Write.
type IOOption func(*ioConfig)

// WithBlockSize sets the card block size in bytes (4 for Ultralight, 16 for
// Classic).
func WithBlockSize(n int) IOOption {
	return func(c *ioConfig) { c.blockSize = n }
}

// WithPacketSize sets the maximum bytes fetched by one READ BINARY.
func WithPacketSize(n int) IOOption {
	return func(c *ioConfig) { c.packetSize = n }
}

func newIOConfig(opts []IOOption) ioConfig {
	cfg := ioConfig{blockSize: DefaultBlockSize, packetSize: DefaultPacketSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// chunk is one leaf APDU of a split read or write.
type chunk struct {
	block  int
	offset int
	size   int
}

// readChunks splits length bytes into packetSize reads, advancing
// packetSize/blockSize blocks per read.
func readChunks(block, length int, cfg ioConfig) []chunk {
	stride := cfg.packetSize / cfg.blockSize

	var out []chunk
	for i, off := 0, 0; off < length; i, off = i+1, off+cfg.packetSize {
		out = append(out, chunk{
			block:  block + i*stride,
			offset: off,
			size:   min(cfg.packetSize, length-off),
		})
	}
	return out
}

// writeChunks splits data into blockSize writes, one block each.
func writeChunks(block, length int, cfg ioConfig) []chunk {
	out := make([]chunk, 0, length/cfg.blockSize)
	for i, off := 0, 0; off < length; i, off = i+1, off+cfg.blockSize {
		out = append(out, chunk{block: block + i, offset: off, size: cfg.blockSize})
	}
	return out
}

func checkBlocks(op Op, chunks []chunk) error {
	first, last := chunks[0].block, chunks[len(chunks)-1].block
	if first < 0 || last > maxBlock {
		return newError(op, CodeInvalidBlock, fmt.Sprintf("Blocks %d-%d are out of range (0-%d).", first, last, maxBlock), nil)
	}
	return nil
}

// Read reads length bytes starting at block. Requests larger than the packet
// size are split and sent concurrently; the result keeps request order.
func (s *Session) Read(ctx context.Context, block, length int, opts ...IOOption) ([]byte, error) {
	if _, err := s.cardProtocol(OpRead); err != nil {
		return nil, err
	}

	cfg := newIOConfig(opts)
	if cfg.blockSize <= 0 || cfg.packetSize < cfg.blockSize {
		return nil, newError(OpRead, CodeInvalidDataLength, fmt.Sprintf("Invalid block size %d or packet size %d.", cfg.blockSize, cfg.packetSize), nil)
	}
	if length <= 0 {
		return nil, newError(OpRead, CodeInvalidDataLength, fmt.Sprintf("Invalid length %d.", length), nil)
	}

	chunks := readChunks(block, length, cfg)
	if err := checkBlocks(OpRead, chunks); err != nil {
		return nil, err
	}

	cmds := make([]pcsc.Command, len(chunks))
	for i, c := range chunks {
		cmd, err := pcsc.ReadBinary(byte(c.block), c.size)
		if err != nil {
			return nil, newError(OpRead, CodeInvalidDataLength, "", err)
		}
		cmds[i] = cmd
	}

	out := make([]byte, length)

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		g.Go(func() error {
			data, err := s.exchange(gctx, OpRead, cmds[i], c.size+2)
			if err != nil {
				return err
			}
			if len(data) < c.size {
				return newError(OpRead, CodeInvalidResponse, fmt.Sprintf("Block %d returned %d bytes, expected %d.", c.block, len(data), c.size), nil)
			}
			copy(out[c.offset:c.offset+c.size], data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// Write writes data starting at block, one block per command. data must be a
// positive multiple of the block size. Blocks are written concurrently; on
// failure, blocks already written stay written.
func (s *Session) Write(ctx context.Context, block int, data []byte, opts ...IOOption) error {
	if _, err := s.cardProtocol(OpWrite); err != nil {
		return err
	}

	cfg := newIOConfig(opts)
	if cfg.blockSize <= 0 || len(data) == 0 || len(data)%cfg.blockSize != 0 {
		return newError(OpWrite, CodeInvalidDataLength, fmt.Sprintf("Data length %d is not a positive multiple of block size %d.", len(data), cfg.blockSize), nil)
	}

	chunks := writeChunks(block, len(data), cfg)
	if err := checkBlocks(OpWrite, chunks); err != nil {
		return err
	}

	cmds := make([]pcsc.Command, len(chunks))
	for i, c := range chunks {
		cmd, err := pcsc.UpdateBinary(byte(c.block), data[c.offset:c.offset+c.size])
		if err != nil {
			return newError(OpWrite, CodeInvalidDataLength, "", err)
		}
		cmds[i] = cmd
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range cmds {
		g.Go(func() error {
			_, err := s.exchange(gctx, OpWrite, cmds[i], 2)
			return err
		})
	}
	return g.Wait()
}
