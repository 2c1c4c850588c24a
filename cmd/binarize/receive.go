package main

import (
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-binarize/internal/arrow_client"
	"github.com/23skdu/longbow-binarize/internal/logger"
)

func newReceiveCmd() *cobra.Command {
	var addr, root string
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept published checkpoints over Arrow Flight and store them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recv := arrow_client.NewReceiver(root)
			srv, err := arrow_client.Serve(addr, recv)
			if err != nil {
				return err
			}
			<-cmd.Context().Done()
			srv.Shutdown()
			logger.Log.Info("receiver stopped", "checkpoints", len(recv.Received()))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:3000", "Listen address")
	cmd.Flags().StringVar(&root, "root", "./received", "Directory received checkpoints are written under")
	return cmd
}
