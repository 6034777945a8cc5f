package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/linuxdeveloper/ast-api/internal/ami"
	"github.com/linuxdeveloper/ast-api/internal/config"
)

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <Action> [Key=Value...]",
		Short: "Send one manager action and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := ami.ParseParams(args[1:])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *ami.Session, m config.ManagerConfig) error {
				pkt, err := s.Execute(ctx, args[0], params, m.ResponseTimeout())
				if err != nil {
					return err
				}
				for _, line := range pkt.Lines() {
					fmt.Println(line)
				}
				if !pkt.IsSuccess() && !pkt.IsFollows() {
					return fmt.Errorf("manager answered %s: %s", pkt.Response(), pkt.Header(ami.HeaderMessage))
				}
				return nil
			})
		},
	}
}

func newCommandCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "command <console command>",
		Short: "Run an Asterisk console command and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *ami.Session, m config.ManagerConfig) error {
				out, err := s.Command(ctx, strings.Join(args, " "), m.ResponseTimeout())
				if err != nil {
					return err
				}
				for _, line := range out {
					fmt.Println(line)
				}
				return nil
			})
		},
	}
}

// withSession connects and logs in without events, runs fn, then logs off.
func withSession(ctx context.Context, fn func(context.Context, *ami.Session, config.ManagerConfig) error) error {
	initConsoleLogger()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := cfg.GetManager()

	s := ami.NewSession(
		ami.WithLogger(log.With().Str("component", "ami").Logger()),
		ami.WithConnectTimeout(m.ConnectTimeout()),
		ami.WithPollTimeout(m.PollTimeout()),
		ami.WithBufferSize(m.BufferSize),
		ami.WithMaxHeaders(m.MaxHeaders),
		ami.WithDebug(m.Debug),
	)
	if err := s.Connect(ctx, m.Host, m.Port); err != nil {
		return err
	}
	defer s.Disconnect()

	if err := s.LoginWithoutEvents(ctx, m.Username, m.Secret, m.LoginTimeout()); err != nil {
		return err
	}

	runErr := fn(ctx, s, m)

	logoffCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Logoff(logoffCtx, 2*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "logoff: %v\n", err)
	}
	return runErr
}
