package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/vectorstore"
)

func newIngestCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Process and index PDF, TXT or DOCX files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, logger, func(ctx context.Context, sess *session.Session) error {
				return ingestFiles(ctx, cmd.OutOrStdout(), sess, args)
			})
		},
	}
}

type uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (session.UploadResult, error)
}

// ingestFiles processes every path and reports per file. It fails only when
// no file could be processed.
func ingestFiles(ctx context.Context, out io.Writer, sess uploader, paths []string) error {
	var failed int
	for _, path := range paths {
		name := filepath.Base(path)
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", name, err)
			failed++
			continue
		}

		res, err := sess.Upload(ctx, name, data)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", name, err)
			failed++
			continue
		}

		switch {
		case res.Duplicate:
			fmt.Fprintf(out, "= %s already loaded\n", name)
		case res.Replaced != "":
			fmt.Fprintf(out, "✓ %s replaced (%d chunks)\n", name, res.Document.ChunkCount)
		default:
			fmt.Fprintf(out, "✓ %s (%s, %d chunks)\n", name, res.Document.Metadata.Summary(res.Document.Format), res.Document.ChunkCount)
		}
	}

	if failed == len(paths) {
		return fmt.Errorf("no files were processed")
	}
	return nil
}

func newAskCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, logger, func(ctx context.Context, sess *session.Session) error {
				if !sess.HasAPIKey() {
					key, err := promptAPIKey(cmd.ErrOrStderr())
					if err != nil {
						return err
					}
					if err := sess.SetAPIKey(ctx, key); err != nil {
						return err
					}
				}

				entry, err := sess.Ask(ctx, strings.Join(args, " "))
				if err != nil {
					return err
				}
				printEntry(cmd.OutOrStdout(), entry)
				return nil
			})
		},
	}
}

// promptAPIKey reads a credential without echo. It refuses when stdin is not a terminal.
func promptAPIKey(out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no API key configured; set GOOGLE_API_KEY or OPENAI_API_KEY")
	}

	fmt.Fprint(out, "API key: ")
	key, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read API key: %w", err)
	}
	return strings.TrimSpace(string(key)), nil
}

func printEntry(out io.Writer, e session.Entry) {
	fmt.Fprintln(out, e.Answer)
	if e.Sources != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sources:")
		fmt.Fprintln(out, e.Sources)
	}
	if e.Related != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Knowledge graph:")
		fmt.Fprintln(out, e.Related)
	}
}

func newDocumentsCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "documents",
		Aliases: []string{"ls"},
		Short:   "List indexed documents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, logger, func(_ context.Context, sess *session.Session) error {
				printDocuments(cmd.OutOrStdout(), sess.Documents())
				return nil
			})
		},
	}
}

func printDocuments(out io.Writer, docs []vectorstore.DocumentRecord) {
	if len(docs) == 0 {
		fmt.Fprintln(out, "No documents loaded.")
		return
	}
	for _, d := range docs {
		fmt.Fprintf(out, "%s  %s (%s, %d chunks)\n", d.ID, d.Filename, d.Metadata.Summary(d.Format), d.ChunkCount)
	}
}

func newDeleteCmd(logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove one document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, logger, func(ctx context.Context, sess *session.Session) error {
				if err := sess.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newClearCmd(logger *log.Logger) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every indexed document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "This permanently deletes every indexed document. Continue? [y/N]: ")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "clear aborted")
					return nil
				}
			}

			return withSession(cmd, logger, func(ctx context.Context, sess *session.Session) error {
				if err := sess.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "all documents cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirmed, "confirm", false, "skip confirmation prompt")
	return cmd
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, fmt.Errorf("read confirmation: %w", err)
		}
		return false, nil
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes", nil
}
