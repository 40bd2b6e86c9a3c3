package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/chatstream/pkg/config"
	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/go-go-golems/chatstream/pkg/stream"
	"github.com/go-go-golems/chatstream/pkg/webchat"
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootOptions struct {
	settingsPath string
	envFile      string
	// logLevelSet is true when --log-level was given; it then wins over the
	// configured log level.
	logLevelSet bool
}

var rootCmd = &cobra.Command{
	Use:           "chatstream",
	Short:         "Long-lived chat completion streams over HTTP and websockets",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(rootOptions.envFile); err != nil {
			return err
		}
		if err := logging.InitLoggerFromCobra(cmd); err != nil {
			return err
		}
		if fl := cmd.Flags().Lookup("log-level"); fl != nil && fl.Changed {
			rootOptions.logLevelSet = true
		}
		return nil
	},
}

// resolveSettings layers defaults, the YAML settings file, the environment and
// the command's override sections, in that order.
func resolveSettings(parsed *values.Values, slugs ...string) (*config.Settings, error) {
	settings, err := config.Load(rootOptions.settingsPath)
	if err != nil {
		return nil, err
	}
	flags, err := config.DecodeFlags(parsed, slugs...)
	if err != nil {
		return nil, err
	}
	if err := flags.Apply(settings); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if !rootOptions.logLevelSet {
		lvl, err := zerolog.ParseLevel(strings.ToLower(settings.LogLevel))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", settings.LogLevel)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	return settings, nil
}

func settingsSections(slugs ...string) ([]schema.Section, error) {
	out := make([]schema.Section, 0, len(slugs))
	for _, slug := range slugs {
		var (
			s   schema.Section
			err error
		)
		switch slug {
		case config.ProviderSlug:
			s, err = config.NewProviderSection()
		case config.StoreSlug:
			s, err = config.NewStoreSection()
		case config.StreamSlug:
			s, err = config.NewStreamSection()
		case eventbus.RedisSlug:
			s, err = eventbus.NewRedisSection()
		default:
			err = errors.Errorf("unknown settings section %q", slug)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "build %s section", slug)
		}
		out = append(out, s)
	}
	return out, nil
}

var serveSlugs = []string{config.ProviderSlug, config.StoreSlug, config.StreamSlug, eventbus.RedisSlug}

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*ServeCommand)(nil)

type ServeSettings struct {
	Addr string `glazed:"addr"`
}

func NewServeCommand() (*ServeCommand, error) {
	sections, err := settingsSections(serveSlugs...)
	if err != nil {
		return nil, err
	}
	return &ServeCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the HTTP and websocket server"),
			cmds.WithFlags(
				fields.New("addr", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Listen address (overrides CHATSTREAM_ADDR)")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init serve settings")
	}
	settings, err := resolveSettings(parsed, serveSlugs...)
	if err != nil {
		return err
	}
	if addr := strings.TrimSpace(s.Addr); addr != "" {
		settings.Addr = addr
	}

	a, err := newApp(settings)
	if err != nil {
		return err
	}
	defer a.close()

	srv, err := webchat.NewServer(webchat.ServerOptions{
		Addr:    settings.Addr,
		Service: a.svc,
		Bus:     a.bus,
		APIKey:  settings.Provider.APIKey,
	})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

var askSlugs = []string{config.ProviderSlug, config.StoreSlug, config.StreamSlug}

type AskCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*AskCommand)(nil)

type AskSettings struct {
	Prompt       []string `glazed:"prompt"`
	Model        string   `glazed:"model"`
	Conversation string   `glazed:"conversation"`
}

func NewAskCommand() (*AskCommand, error) {
	sections, err := settingsSections(askSlugs...)
	if err != nil {
		return nil, err
	}
	return &AskCommand{
		CommandDescription: cmds.NewCommandDescription(
			"ask",
			cmds.WithShort("Stream one answer to stdout"),
			cmds.WithLong("Start a stream for the prompt and print the answer as it arrives. The conversation id is printed after the answer."),
			cmds.WithArguments(
				fields.New("prompt", fields.TypeStringList, fields.WithRequired(true), fields.WithHelp("Prompt words")),
			),
			cmds.WithFlags(
				fields.New("model", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Model to use (overrides PROVIDER_MODEL)")),
				fields.New("conversation", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Continue an existing conversation")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *AskCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &AskSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init ask settings")
	}
	settings, err := resolveSettings(parsed, askSlugs...)
	if err != nil {
		return err
	}
	if model := strings.TrimSpace(s.Model); model != "" {
		settings.Provider.Model = model
	}

	a, err := newApp(settings)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := stream.StartParams{
		ConversationID:     strings.TrimSpace(s.Conversation),
		UserMessageContent: strings.Join(s.Prompt, " "),
		APIKey:             settings.Provider.APIKey,
	}
	if params.ConversationID != "" {
		history, err := a.store.GetMessages(ctx, params.ConversationID)
		if err != nil {
			return errors.Wrap(err, "load conversation")
		}
		params.MessageHistory = history
	}

	// Piped output carries the answer only.
	meta := io.Writer(os.Stderr)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		meta = w
	}
	return ask(ctx, a.svc, params, w, meta)
}

type HistoryCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*HistoryCommand)(nil)

type HistorySettings struct {
	ConversationID string `glazed:"conversation-id"`
	Delete         bool   `glazed:"delete"`
}

func NewHistoryCommand() (*HistoryCommand, error) {
	sections, err := settingsSections(config.StoreSlug)
	if err != nil {
		return nil, err
	}
	return &HistoryCommand{
		CommandDescription: cmds.NewCommandDescription(
			"history",
			cmds.WithShort("Print or delete a stored conversation"),
			cmds.WithArguments(
				fields.New("conversation-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Conversation to print")),
			),
			cmds.WithFlags(
				fields.New("delete", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Delete the conversation instead of printing it")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *HistoryCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &HistorySettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init history settings")
	}
	settings, err := resolveSettings(parsed, config.StoreSlug)
	if err != nil {
		return err
	}
	store, err := newStore(settings.Store)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if s.Delete {
		return store.DeleteConversation(ctx, s.ConversationID)
	}
	conv, err := store.GetConversation(ctx, s.ConversationID)
	if err != nil {
		return err
	}
	return printConversation(w, conv)
}

func printConversation(out io.Writer, conv *convstore.Conversation) error {
	if _, err := fmt.Fprintf(out, "# %s (%s)\n", conv.Title, conv.ID); err != nil {
		return err
	}
	for _, m := range conv.Messages {
		if _, err := fmt.Fprintf(out, "\n[%s] %s\n%s\n", m.Role, m.CreatedAt.Format(time.RFC3339), m.Content); err != nil {
			return err
		}
	}
	return nil
}

// ask runs one stream and copies its deltas to out. The conversation id goes
// to meta once the stream completes.
func ask(ctx context.Context, svc *stream.Service, params stream.StartParams, out, meta io.Writer) error {
	id, err := svc.StartStream(params)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	printed := 0
	unsubscribe, err := svc.Subscribe(id, stream.Callbacks{
		OnProgress: func(content string) {
			if len(content) > printed {
				_, _ = fmt.Fprint(out, content[printed:])
				printed = len(content)
			}
		},
		OnComplete: func(content, convID string) {
			if len(content) > printed {
				_, _ = fmt.Fprint(out, content[printed:])
			}
			_, _ = fmt.Fprint(out, "\n")
			_, _ = fmt.Fprintf(meta, "\nconversation: %s\n", convID)
			done <- nil
		},
		OnError: func(message string) {
			done <- errors.New(message)
		},
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		svc.AbortStream(id)
		return ctx.Err()
	}
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("CHATSTREAM",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func buildCommands() ([]*cobra.Command, error) {
	serve, err := NewServeCommand()
	if err != nil {
		return nil, err
	}
	askCmd, err := NewAskCommand()
	if err != nil {
		return nil, err
	}
	history, err := NewHistoryCommand()
	if err != nil {
		return nil, err
	}
	var out []*cobra.Command
	for name, c := range map[string]cmds.Command{"serve": serve, "ask": askCmd, "history": history} {
		command, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
		if err != nil {
			return nil, errors.Wrapf(err, "build %s command", name)
		}
		out = append(out, command)
	}
	return out, nil
}

func main() {
	if err := clay.InitGlazed("chatstream", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootOptions.settingsPath, "settings", "", "Path to a YAML settings file")
	pf.StringVar(&rootOptions.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")

	commands, err := buildCommands()
	cobra.CheckErr(err)
	rootCmd.AddCommand(commands...)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chatstream failed")
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
