package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knoguchi/docrag/internal/auth"
	"github.com/knoguchi/docrag/internal/server"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	documentID string
	limit      int
	timeout    time.Duration
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search your documents on a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRetrieval(cmd, func(ctx context.Context, c *server.RetrievalClient) (*structpb.Struct, error) {
			req, err := structpb.NewStruct(map[string]any{
				"query":       args[0],
				"document_id": documentID,
				"limit":       limit,
			})
			if err != nil {
				return nil, err
			}
			return c.Search(ctx, req)
		})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from your documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRetrieval(cmd, func(ctx context.Context, c *server.RetrievalClient) (*structpb.Struct, error) {
			req, err := structpb.NewStruct(map[string]any{
				"question":    args[0],
				"document_id": documentID,
			})
			if err != nil {
				return nil, err
			}
			return c.Ask(ctx, req)
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{searchCmd, askCmd} {
		cmd.Flags().StringVar(&documentID, "document", "", "restrict to one document ID")
		cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
		rootCmd.AddCommand(cmd)
	}
	searchCmd.Flags().IntVar(&limit, "limit", 0, "maximum results (default server setting)")
}

func callRetrieval(cmd *cobra.Command, call func(context.Context, *server.RetrievalClient) (*structpb.Struct, error)) error {
	if token == "" {
		return errors.New("a bearer token is required (--token or DOCRAG_TOKEN)")
	}

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", grpcAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, auth.AuthorizationHeader, "Bearer "+token)

	resp, err := call(ctx, server.NewRetrievalClient(conn))
	if err != nil {
		return err
	}

	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
