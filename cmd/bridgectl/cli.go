package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	api "github.com/nixpig/jobbridge/api/v1"
	"github.com/nixpig/jobbridge/internal/tlsconfig"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const version = "0.1.0"

type config struct {
	serverAddr string
	serverName string
	caCertPath string
	certPath   string
	keyPath    string
}

type submitFlags struct {
	sessionID        string
	userID           string
	mode             string
	loopDepth        int
	allowMemoryWrite bool
}

type cli struct {
	client api.BridgeServiceClient
	conn   *grpc.ClientConn
}

func newCLI() *cli {
	return &cli{}
}

func (c *cli) rootCmd() *cobra.Command {
	cfg := &config{}

	command := &cobra.Command{
		Use:          "bridgectl",
		Short:        "CLI for submitting jobs to a bridge server and streaming their events",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			creds, err := loadCreds(cfg)
			if err != nil {
				return err
			}

			c.conn, err = grpc.NewClient(
				cfg.serverAddr,
				grpc.WithTransportCredentials(creds),
			)
			if err != nil {
				return err
			}

			c.client = api.NewBridgeServiceClient(c.conn)

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.conn == nil {
				return nil
			}

			// Connection needs to remain open for duration of any child commands.
			return c.conn.Close()
		},
	}

	command.AddCommand(
		c.submitCmd(),
		c.streamCmd(),
		c.runCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&cfg.serverAddr,
		"server",
		"localhost:8443",
		"Server gRPC address",
	)

	command.PersistentFlags().StringVar(
		&cfg.serverName,
		"server-name",
		"",
		"Server name to verify, defaults to the host of --server",
	)

	command.PersistentFlags().StringVar(
		&cfg.certPath,
		"cert-path",
		"",
		"Path to client TLS certificate",
	)

	command.PersistentFlags().StringVar(
		&cfg.keyPath,
		"key-path",
		"",
		"Path to client TLS private key",
	)

	command.PersistentFlags().StringVar(
		&cfg.caCertPath,
		"ca-cert-path",
		"",
		"Path to CA certificate; enables TLS",
	)

	return command
}

func (c *cli) submitCmd() *cobra.Command {
	flags := &submitFlags{}

	command := &cobra.Command{
		Use:     "submit [flags] TEXT...",
		Short:   "Submit a job and print its id",
		Example: "  bridgectl submit --mode deep what is a monad",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.submit(cmd, flags, args)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)

			return nil
		},
	}

	bindSubmitFlags(command, flags)

	return command
}

func (c *cli) streamCmd() *cobra.Command {
	command := &cobra.Command{
		Use:     "stream [flags] JOB_ID",
		Short:   "Stream the events of a submitted job",
		Example: "  bridgectl stream 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.stream(cmd, args[0])
		},
	}

	return command
}

func (c *cli) runCmd() *cobra.Command {
	flags := &submitFlags{}

	command := &cobra.Command{
		Use:     "run [flags] TEXT...",
		Short:   "Submit a job and stream its events",
		Example: "  bridgectl run --mode debate --loop-depth 3 is a hot dog a sandwich",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.submit(cmd, flags, args)
			if err != nil {
				return err
			}

			return c.stream(cmd, id)
		},
	}

	bindSubmitFlags(command, flags)

	return command
}

func bindSubmitFlags(command *cobra.Command, flags *submitFlags) {
	command.Flags().StringVar(&flags.mode, "mode", "", "Mode: concise, deep, debate or planner")
	command.Flags().IntVar(&flags.loopDepth, "loop-depth", 0, "Number of refinement loops, 1 to 6")
	command.Flags().StringVar(&flags.sessionID, "session", "", "Session id")
	command.Flags().StringVar(&flags.userID, "user", "", "User id")
	command.Flags().BoolVar(&flags.allowMemoryWrite, "allow-memory-write", false, "Allow the worker to write memory")
}

func (c *cli) submit(
	cmd *cobra.Command,
	flags *submitFlags,
	args []string,
) (string, error) {
	resp, err := c.client.SubmitJob(cmd.Context(), &api.SubmitJobRequest{
		SessionID:        flags.sessionID,
		UserID:           flags.userID,
		Text:             strings.Join(args, " "),
		Mode:             flags.mode,
		LoopDepth:        flags.loopDepth,
		AllowMemoryWrite: flags.allowMemoryWrite,
	})
	if err != nil {
		return "", mapError(err)
	}

	return resp.JobID, nil
}

func (c *cli) stream(cmd *cobra.Command, jobID string) error {
	stream, err := c.client.StreamJob(
		cmd.Context(),
		&api.StreamJobRequest{JobID: jobID},
	)
	if err != nil {
		return mapError(err)
	}

	r := newRenderer(cmd.OutOrStdout())
	defer r.finish()

	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			if status.Code(err) == codes.Canceled {
				return nil
			}

			return mapError(err)
		}

		r.render(ev)
	}
}

// mapError translates gRPC errors to human-readable messages.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.NotFound:
		return errors.New("job not found")
	case codes.InvalidArgument:
		return fmt.Errorf("%s", st.Message())
	case codes.Unavailable:
		return errors.New("server unavailable")
	default:
		return fmt.Errorf("%s", st.Message())
	}
}

func loadCreds(cfg *config) (credentials.TransportCredentials, error) {
	tc := &tlsconfig.Config{
		CertPath:   cfg.certPath,
		KeyPath:    cfg.keyPath,
		CACertPath: cfg.caCertPath,
		ServerName: cfg.serverName,
	}

	if !tc.Enabled() {
		return insecure.NewCredentials(), nil
	}

	tlsConfig, err := tlsconfig.SetupTLS(tc)
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(tlsConfig), nil
}
