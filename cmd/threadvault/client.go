package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/threadvault/internal/chat"
	"github.com/jkaninda/threadvault/internal/config"
	"github.com/jkaninda/threadvault/internal/storage/httpstore"
	"github.com/jkaninda/threadvault/internal/stream"
)

type clientFlags struct {
	configPath string
	threadID   string
	format     string
	gatewayURL string
	apiKey     string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, "config", config.DefaultConfigPath(), "path to config file")
	cmd.Flags().StringVar(&f.threadID, "thread", "", "thread ID")
	cmd.Flags().StringVar(&f.format, "format", chat.Format, "message format (chat/v1 or stream/v1)")
	cmd.Flags().StringVar(&f.gatewayURL, "gateway-url", "", "store API base URL")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "store API key")
	_ = cmd.MarkFlagRequired("thread")
}

var (
	historyFlags clientFlags
	pushFlags    clientFlags
	pushFile     string
	pushRoles    []string
	pushStrict   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a thread's messages as JSON lines, root first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runHistory(cmd.Context(), &historyFlags, cmd.OutOrStdout())
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Append JSON-lines messages to a thread",
	Long: `push reads one message per line from --file (or stdin with "-"),
loads the thread's existing history, and persists the new messages after it.
Messages without an id get a generated one.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPush(cmd.Context(), &pushFlags, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	historyFlags.register(historyCmd)
	pushFlags.register(pushCmd)
	pushCmd.Flags().StringVar(&pushFile, "file", "-", `JSON-lines file ("-" for stdin)`)
	pushCmd.Flags().StringSliceVar(&pushRoles, "roles", nil, "only persist messages with these roles")
	pushCmd.Flags().BoolVar(&pushStrict, "strict", false, "fail on the first append error")
}

// newClientRegistry builds a registry backed by the remote store API.
func newClientRegistry(f *clientFlags) (*chat.Registry, *slog.Logger, error) {
	cfg, _, err := loadConfig(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	url := goutils.Env("THREADVAULT_GATEWAY_URL", f.gatewayURL)
	if url == "" {
		url = cfg.Client.URL()
	}
	apiKey := goutils.Env("THREADVAULT_API_KEY", f.apiKey)
	if apiKey == "" && cfg.Client != nil {
		apiKey = cfg.Client.APIKey
	}

	client := httpstore.NewClient(strings.TrimRight(url, "/"), logger,
		httpstore.WithAPIKey(apiKey),
		httpstore.WithHTTPClient(&http.Client{Timeout: cfg.Client.Timeout()}),
	)
	logger.Debug("store client initialized", slog.String("url", url))
	return chat.NewRegistry(client, logger), logger, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runHistory(ctx context.Context, f *clientFlags, out io.Writer) error {
	reg, logger, err := newClientRegistry(f)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	switch f.format {
	case chat.Format:
		return printHistory(ctx, chat.NewSync(reg, chat.Adapter(), chat.MessageRole, chat.WithLogger(logger)), f.threadID, out)
	case stream.Format:
		return printHistory(ctx, chat.NewSync(reg, stream.Adapter(), stream.Message.Role, chat.WithLogger(logger)), f.threadID, out)
	default:
		return fmt.Errorf("unknown format %q", f.format)
	}
}

func printHistory[M, S any](ctx context.Context, s *chat.Sync[M, S], threadID string, out io.Writer) error {
	msgs, err := s.LoadMessages(ctx, threadID)
	if err != nil {
		return fmt.Errorf("loading thread %s: %w", threadID, err)
	}
	enc := json.NewEncoder(out)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return nil
}

func runPush(ctx context.Context, f *clientFlags, stdin io.Reader, out io.Writer) error {
	in := stdin
	if pushFile != "-" {
		file, err := os.Open(pushFile)
		if err != nil {
			return fmt.Errorf("opening %s: %w", pushFile, err)
		}
		defer file.Close()
		in = file
	}

	reg, logger, err := newClientRegistry(f)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	opts := chat.PersistOptions{Roles: pushRoles, Strict: pushStrict}

	var n int
	switch f.format {
	case chat.Format:
		s := chat.NewSync(reg, chat.Adapter(), chat.MessageRole, chat.WithLogger(logger))
		n, err = pushMessages(ctx, s, f.threadID, in, opts, func(m chat.Message) chat.Message {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			return m
		})
	case stream.Format:
		s := chat.NewSync(reg, stream.Adapter(), stream.Message.Role, chat.WithLogger(logger))
		n, err = pushMessages(ctx, s, f.threadID, in, opts, func(m stream.Message) stream.Message {
			if m.ID == "" {
				return m.WithMessageID(uuid.NewString())
			}
			return m
		})
	default:
		return fmt.Errorf("unknown format %q", f.format)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "persisted %d message(s) to thread %s\n", n, f.threadID)
	return nil
}

// pushMessages appends the JSON-lines messages read from in after the thread's
// current history.
func pushMessages[M, S any](ctx context.Context, s *chat.Sync[M, S], threadID string, in io.Reader, opts chat.PersistOptions, withID func(M) M) (int, error) {
	history, err := s.LoadMessages(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("loading thread %s: %w", threadID, err)
	}

	msgs := history
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var m M
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}
		msgs = append(msgs, withID(m))
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading messages: %w", err)
	}
	if len(msgs) == len(history) {
		return 0, nil
	}

	return s.Persist(ctx, threadID, msgs, opts)
}
