// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/gateway"
	"github.com/sipeed/picoclaw/pkg/logger"
)

const version = "0.1.0"

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "picoclaw",
		Short: "picoclaw — personal AI assistant runtime",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a JSON config overlay (environment variables always take precedence)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("picoclaw v%s\n", version)
		},
	})

	root.AddCommand(newAgentCmd())
	root.AddCommand(newGatewayCmd())
	return root
}

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a single-shot query against the agent loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, _ := cmd.Flags().GetString("message")
			if msg == "" {
				return fmt.Errorf("specify a message with -m \"your message\"")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			gw, err := gateway.New(cfg)
			if err != nil {
				return fmt.Errorf("constructing gateway: %w", err)
			}
			defer gw.Stop(context.Background())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			resp, err := gw.Agent().ProcessDirect(ctx, msg, "cli:direct")
			if err != nil {
				return fmt.Errorf("processing message: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringP("message", "m", "", "Message to send to the agent")
	return cmd
}

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the long-running gateway (channels, scheduler, heartbeat)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			gw, err := gateway.New(cfg)
			if err != nil {
				return fmt.Errorf("constructing gateway: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := gw.Start(ctx); err != nil {
				return fmt.Errorf("starting gateway: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			logger.InfoCF("main", "Shutting down", nil)
			gw.Stop(context.Background())
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
