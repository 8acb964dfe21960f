package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabfab/docqa/api"
	"github.com/fabfab/docqa/config"
	"github.com/fabfab/docqa/database"
	"github.com/fabfab/docqa/embeddings"
	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/knowledge"
	"github.com/fabfab/docqa/mcpserver"
	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/tui"
	"github.com/fabfab/docqa/vectorstore"
)

func main() {
	// stdout belongs to command output and the MCP stdio transport.
	logger := log.New(os.Stderr, "", log.LstdFlags)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "docqa",
		Short: "Ask questions about your PDF, TXT and DOCX documents",
		Long: `docqa extracts text from uploaded documents, indexes it in a vector store
and answers questions with citations using an LLM.

Configuration comes from the environment (and .env), optionally layered over
a YAML file named by DOCQA_CONFIG.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(logger),
		newIngestCmd(logger),
		newAskCmd(logger),
		newDocumentsCmd(logger),
		newDeleteCmd(logger),
		newClearCmd(logger),
		newTUICmd(logger),
		newMCPCmd(logger),
	)
	return root
}

// openSession wires settings, embedder, vector store, the optional graph
// mirror and the processor into a session restored from the store.
func openSession(ctx context.Context, logger *log.Logger) (*session.Session, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	store, err := vectorstore.Open(ctx, settings, embedder, logger)
	if err != nil {
		return nil, err
	}

	var mirror session.Mirror
	if settings.Neo4jURI != "" {
		driver, err := database.NewNeo4jDriver(ctx, settings.Neo4jURI, settings.Neo4jUser, settings.Neo4jPass)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		mirror = knowledge.NewGraph(driver, logger)
		logger.Printf("mirroring documents to neo4j at %s", settings.Neo4jURI)
	}

	processor, err := ingestion.NewProcessor(settings.ChunkSize, settings.ChunkOverlap, settings.MaxFileSizeBytes(), logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("processor setup: %w", err)
	}

	sess, err := session.New(ctx, settings, session.Deps{
		Processor: processor,
		Store:     store,
		Mirror:    mirror,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := sess.Restore(ctx); err != nil {
		_ = sess.Close(ctx)
		return nil, err
	}
	return sess, nil
}

// withSession opens a session for the duration of fn.
func withSession(cmd *cobra.Command, logger *log.Logger, fn func(ctx context.Context, sess *session.Session) error) error {
	ctx := cmd.Context()
	sess, err := openSession(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(context.Background()); err != nil {
			logger.Printf("close session: %v", err)
		}
	}()
	return fn(ctx, sess)
}

func newServeCmd(logger *log.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI and JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, logger, func(ctx context.Context, sess *session.Session) error {
				if addr == "" {
					addr = sess.Settings().HTTPAddr
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           api.New(sess, sess.Settings(), logger),
					ReadHeaderTimeout: 10 * time.Second,
				}

				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.Printf("http shutdown: %v", err)
					}
				}()

				logger.Printf("http server listening on %s", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from HTTP_ADDR)")
	return cmd
}

func newTUICmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Interactive terminal session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, logger, func(ctx context.Context, sess *session.Session) error {
				return tui.Run(ctx, sess)
			})
		},
	}
}

func newMCPCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the loaded documents to MCP clients over stdio",
		Long: `Start a Model Context Protocol server on stdin/stdout exposing the
ask, search and list_documents tools.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, logger, func(ctx context.Context, sess *session.Session) error {
				return mcpserver.New(sess, logger).Run(ctx)
			})
		},
	}
}
