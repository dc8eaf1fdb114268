package main

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/resolver"
	"github.com/sells-group/linkresolver/internal/server"
)

var (
	resolveSession string
	resolveAddr    string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <openurl-query>",
	Short: "Resolve one OpenURL and run its services inline",
	Long:  "Parses an OpenURL query string (with or without a leading '?'), runs every eligible service to completion and prints the request's status view as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initResolver(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := resolveInline(ctx, env, args[0], resolveSession, resolveAddr)
		if err != nil {
			return err
		}

		zap.L().Info("resolve complete",
			zap.String("request_id", view.Request.ID),
			zap.Int("services", len(view.Services)),
			zap.Bool("complete", view.Complete),
		)
		return writeIndented(os.Stdout, view)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show dispatch status and responses for a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initResolver(ctx, "resolve")
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := env.Resolver.Load(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if req == nil {
			return eris.Errorf("status: request %s not found", args[0])
		}
		view, err := server.Status(ctx, req)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		return writeIndented(os.Stdout, view)
	},
}

// resolveInline resolves query for the given session and address, queues
// eligible services and runs them to completion.
func resolveInline(ctx context.Context, env *resolverEnv, query, session, addr string) (*server.StatusResult, error) {
	params, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(query), "?"))
	if err != nil {
		return nil, eris.Wrap(err, "resolve: parse query")
	}

	req, err := env.Resolver.Resolve(ctx, resolver.Inbound{
		Params:    params,
		SessionID: session,
		Transport: resolver.Transport{RemoteAddr: addr, RequestURI: "/resolve?" + params.Encode()},
	}, true)
	if err != nil {
		return nil, err
	}

	if stale := cfg.Dispatch.StaleAfterSecs; stale > 0 {
		if _, err := req.ExpireStale(ctx, time.Duration(stale)*time.Second); err != nil {
			return nil, err
		}
	}

	queued, _, err := resolver.QueueEligibleServices(ctx, req, env.Services.DetermineServices(params), resolver.QueueOptions{
		RequeueTemporaryFailures: cfg.Dispatch.RequeueTemporaryFailures,
	})
	if err != nil {
		return nil, err
	}
	if err := env.Dispatcher.Run(ctx, req, queued); err != nil {
		return nil, eris.Wrap(err, "resolve: run services")
	}

	return server.Status(ctx, req)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	resolveCmd.Flags().StringVar(&resolveSession, "session", "cli", "session identifier the request is scoped to")
	resolveCmd.Flags().StringVar(&resolveAddr, "addr", "127.0.0.1", "client address recorded on the request")
	rootCmd.AddCommand(resolveCmd, statusCmd)
}
