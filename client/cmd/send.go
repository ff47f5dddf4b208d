package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"dropwire/internal/ledger"
	"dropwire/internal/logger"
	"dropwire/internal/peer"
	"dropwire/internal/session"
)

var targetPeerID string

const (
	connectTimeout  = 2 * time.Minute
	decisionTimeout = 10 * time.Minute
)

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&targetPeerID, "target", "t", "", "peer id of the receiver")
	_ = sendCmd.MarkFlagRequired("target")
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	log := logger.New()

	p, err := peer.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	var connectOnce sync.Once
	connected := make(chan struct{})
	outcome := make(chan ledger.Status, 1)

	p.OnSessionStatus(func(status session.Status) {
		if status == session.StatusConnected {
			connectOnce.Do(func() { close(connected) })
		}
	})
	bar := progressbar.Default(100, "sending")
	p.OnSendProgress(func(progress int) {
		_ = bar.Set(progress)
	})
	p.OnOutcome(func(status ledger.Status) {
		select {
		case outcome <- status:
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

	if err := p.SetRole(peer.RoleSender); err != nil {
		return err
	}
	if err := p.Dial(targetPeerID); err != nil {
		return err
	}

	select {
	case <-connected:
	case <-time.After(connectTimeout):
		return fmt.Errorf("timed out connecting to peer %s", targetPeerID)
	}

	meta, err := p.SendFile(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("\nSent %s, waiting for the receiver's decision...\n", meta.Name)

	select {
	case status := <-outcome:
		switch status {
		case ledger.StatusCompleted:
			fmt.Println("Receiver accepted the file")
		case ledger.StatusRejected:
			fmt.Println("Receiver rejected the file")
		default:
			return fmt.Errorf("transfer ended with status %s", status)
		}
	case <-time.After(decisionTimeout):
		return fmt.Errorf("timed out waiting for the receiver's decision")
	}
	return nil
}
