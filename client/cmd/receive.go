package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"dropwire/internal/logger"
	"dropwire/internal/peer"
	"dropwire/internal/signaling"
	"dropwire/internal/transfer"
)

var autoAccept bool

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Wait for an incoming file",
	RunE:  runReceive,
}

func init() {
	receiveCmd.Flags().BoolVarP(&autoAccept, "accept", "y", false, "accept incoming files without prompting")
}

func runReceive(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	log := logger.New()

	p, err := peer.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	// The callbacks run on the session's goroutines, the loop below on this
	// one; the bar handle needs a lock.
	var barMu sync.Mutex
	var bar *progressbar.ProgressBar
	ready := make(chan signaling.FileMetadata, 1)

	p.OnIncomingFile(func(meta signaling.FileMetadata) {
		fmt.Printf("Incoming file: %s (%s)\n", meta.Name, transfer.FormatFileSize(meta.Size))
		barMu.Lock()
		bar = progressbar.Default(100, "receiving")
		barMu.Unlock()
	})
	p.OnReceiveProgress(func(progress int) {
		barMu.Lock()
		b := bar
		barMu.Unlock()
		if b != nil {
			_ = b.Set(progress)
		}
	})
	p.OnFileReady(func(meta signaling.FileMetadata) {
		select {
		case ready <- meta:
		default:
		}
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.Connect(ctx); err != nil {
		return err
	}
	fmt.Printf("Your peer id: %s\n", p.ID())
	fmt.Println("Waiting for a sender to connect...")

	if err := p.SetRole(peer.RoleReceiver); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigChan:
			fmt.Println("\nexiting...")
			return nil
		case meta := <-ready:
			if err := decide(p, meta); err != nil {
				return err
			}
			barMu.Lock()
			bar = nil
			barMu.Unlock()
		}
	}
}

func decide(p *peer.Peer, meta signaling.FileMetadata) error {
	if !autoAccept && !promptAccept(meta) {
		if err := p.Reject(); err != nil {
			return err
		}
		fmt.Println("Rejected", meta.Name)
		return nil
	}

	path, err := p.Accept()
	if err != nil {
		return err
	}
	fmt.Println("Saved", path)
	return nil
}

func promptAccept(meta signaling.FileMetadata) bool {
	fmt.Printf("\nAccept %s (%s)? [y/N]: ", meta.Name, transfer.FormatFileSize(meta.Size))
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
