package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ebfe/scard"
	"github.com/moov-io/bertlv"
	"github.com/spf13/cobra"

	"github.com/gregLibert/pcsc-reader/pkg/hexutil"
	"github.com/gregLibert/pcsc-reader/pkg/pcsc"
	"github.com/gregLibert/pcsc-reader/pkg/reader"
	"github.com/gregLibert/pcsc-reader/pkg/scardport"
)

var (
	cfgFile string
	cfg     appConfig
	logger  = slog.New(slog.DiscardHandler)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pcsc-reader",
		Short:        "Watch a contactless PC/SC reader and access storage cards",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if cfg, err = loadConfig(cmd, cfgFile); err != nil {
				return err
			}
			logger, err = newLogger(os.Stderr, cfg.LogLevel)
			return err
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: <user config dir>/pcsc-reader/pcsc-reader.yaml)")
	pf.String("reader", "", "reader name (default: first reader found)")
	pf.String("aid", "", "AID selected on ISO 14443-4 cards, in hex")
	pf.Bool("auto-processing", true, "identify cards (UID or SELECT) on insertion")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newWatchCmd(), newUIDCmd(), newReadCmd(), newWriteCmd())
	return root
}

// --- Session plumbing ---

// withSession opens the configured reader, runs a Session over it and calls
// fn with the subscribed event stream. Everything is released on return.
func withSession(ctx context.Context, autoProcessing bool, fn func(ctx context.Context, s *reader.Session, events <-chan reader.Event) error) error {
	pcscCtx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("establish context: %w", err)
	}
	defer func() {
		if err := pcscCtx.Release(); err != nil {
			logger.Warn("failed to release context", "err", err)
		}
	}()

	name, err := scardport.FirstReader(pcscCtx, cfg.Reader)
	if err != nil {
		return err
	}
	fmt.Printf(">> Using reader: %s\n", name)

	port, err := scardport.Open(pcscCtx, name, scardport.WithLogger(logger))
	if err != nil {
		return err
	}

	s := reader.New(port,
		reader.WithLogger(logger),
		reader.WithAutoProcessing(autoProcessing),
		reader.WithControlCode(scardport.EscapeIOCTL()),
	)
	if err := s.SetAID(cfg.AID); err != nil {
		_ = port.Close()
		return err
	}

	events := s.Subscribe(16)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	fnErr := fn(runCtx, s, events)

	cancel()
	if err := s.Close(); err != nil {
		logger.Warn("failed to close port", "err", err)
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("session stopped", "err", err)
	}
	return fnErr
}

// waitCard returns the next connected card. Error events are logged and
// skipped; the reader going away ends the wait.
func waitCard(ctx context.Context, events <-chan reader.Event) (*reader.Card, error) {
	fmt.Println(">> Waiting for a card...")
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil, errors.New("session stopped")
			}
			switch e.Type {
			case reader.EventCard:
				return e.Card, nil
			case reader.EventError:
				logger.Warn("card not usable", "err", e.Err)
			case reader.EventEnd:
				return nil, errors.New("reader removed")
			}
		}
	}
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// --- Commands ---

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print card events until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			return withSession(ctx, cfg.AutoProcessing, func(ctx context.Context, _ *reader.Session, events <-chan reader.Event) error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case e, ok := <-events:
						if !ok {
							return nil
						}
						printEvent(e)
						if e.Type == reader.EventEnd {
							return nil
						}
					}
				}
			})
		},
	}
}

func newUIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uid",
		Short: "Wait for a card and print its identification",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			return withSession(ctx, true, func(ctx context.Context, _ *reader.Session, events <-chan reader.Event) error {
				card, err := waitCard(ctx, events)
				if err != nil {
					return err
				}
				printCard(card)
				return nil
			})
		},
	}
}

type blockFlags struct {
	block      int
	blockSize  int
	packetSize int
	key        string
	keyType    string
	legacy     bool
}

func (f *blockFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.block, "block", 4, "first block")
	cmd.Flags().IntVar(&f.blockSize, "block-size", reader.DefaultBlockSize, "card block size in bytes (4 Ultralight, 16 Classic)")
	cmd.Flags().IntVar(&f.packetSize, "packet-size", reader.DefaultPacketSize, "bytes per READ BINARY")
	cmd.Flags().StringVar(&f.key, "key", "", "sector key in hex; authenticate before access when set")
	cmd.Flags().StringVar(&f.keyType, "key-type", "A", "key type (A or B)")
	cmd.Flags().BoolVar(&f.legacy, "legacy-auth", false, "use the PC/SC 2.01 AUTHENTICATE command")
}

func (f *blockFlags) options() []reader.IOOption {
	return []reader.IOOption{reader.WithBlockSize(f.blockSize), reader.WithPacketSize(f.packetSize)}
}

// authenticate authenticates every sector touched by [block, block+blocks).
// Sectors are 4 blocks long, as on MIFARE Classic 1K.
func (f *blockFlags) authenticate(ctx context.Context, s *reader.Session, blocks int) error {
	if f.key == "" {
		return nil
	}

	keyType, err := parseKeyType(f.keyType)
	if err != nil {
		return err
	}

	const sectorBlocks = 4
	for sector := f.block / sectorBlocks; sector*sectorBlocks < f.block+blocks; sector++ {
		if err := s.Authenticate(ctx, sector*sectorBlocks, keyType, f.key, f.legacy); err != nil {
			return err
		}
	}
	return nil
}

func parseKeyType(s string) (pcsc.KeyType, error) {
	switch strings.ToUpper(s) {
	case "A":
		return pcsc.KeyTypeA, nil
	case "B":
		return pcsc.KeyTypeB, nil
	default:
		return 0, fmt.Errorf("unknown key type %q (want A or B)", s)
	}
}

func newReadCmd() *cobra.Command {
	var f blockFlags
	var length int

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read blocks from the next storage card",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			return withSession(ctx, false, func(ctx context.Context, s *reader.Session, events <-chan reader.Event) error {
				if _, err := waitCard(ctx, events); err != nil {
					return err
				}
				if err := f.authenticate(ctx, s, (length+f.blockSize-1)/max(f.blockSize, 1)); err != nil {
					return err
				}

				data, err := s.Read(ctx, f.block, length, f.options()...)
				if err != nil {
					return err
				}
				fmt.Printf("Block %d, %d bytes: % X\n", f.block, len(data), data)
				return nil
			})
		},
	}

	f.register(cmd)
	cmd.Flags().IntVar(&length, "length", 16, "bytes to read")
	return cmd
}

func newWriteCmd() *cobra.Command {
	var f blockFlags
	var data string

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write blocks to the next storage card",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := hexutil.Decode(data)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			return withSession(ctx, false, func(ctx context.Context, s *reader.Session, events <-chan reader.Event) error {
				if _, err := waitCard(ctx, events); err != nil {
					return err
				}
				if err := f.authenticate(ctx, s, len(payload)/max(f.blockSize, 1)); err != nil {
					return err
				}
				if err := s.Write(ctx, f.block, payload, f.options()...); err != nil {
					return err
				}
				fmt.Printf("Wrote %d bytes at block %d\n", len(payload), f.block)
				return nil
			})
		},
	}

	f.register(cmd)
	cmd.Flags().StringVar(&data, "data", "", "hex data, a multiple of the block size")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

// --- Output ---

func printEvent(e reader.Event) {
	switch e.Type {
	case reader.EventCard:
		fmt.Println("\n>> Card inserted")
		printCard(e.Card)
	case reader.EventCardOff:
		fmt.Println("\n>> Card removed")
	case reader.EventError:
		fmt.Printf("\n>> Error: %v\n", e.Err)
	case reader.EventEnd:
		fmt.Println("\n>> Reader removed")
	}
}

func printCard(c *reader.Card) {
	if c == nil {
		return
	}
	fmt.Printf("   ATR:      % X\n", c.ATR)
	standard := string(c.Standard)
	if standard == "" {
		standard = "unknown"
	}
	fmt.Printf("   Standard: %s\n", standard)
	if c.UID != "" {
		fmt.Printf("   UID:      %s\n", c.UID)
	}
	if len(c.Data) > 0 {
		fmt.Printf("   Data:     % X\n", c.Data)
	}
	if len(c.FCI) > 0 {
		fmt.Println("   FCI:")
		printTLVs(c.FCI, "     ")
	}
}

func printTLVs(tlvs []bertlv.TLV, indent string) {
	for _, t := range tlvs {
		if len(t.TLVs) > 0 {
			fmt.Printf("%s%s\n", indent, t.Tag)
			printTLVs(t.TLVs, indent+"  ")
			continue
		}
		fmt.Printf("%s%s: % X\n", indent, t.Tag, t.Value)
	}
}
