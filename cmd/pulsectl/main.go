// Command pulsectl is the operator tool for a pulse deployment: it mints
// development tokens, seeds related sets and migrates the friends table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"pulse/config"
	"pulse/internal/auth"
	"pulse/internal/database"
	"pulse/internal/graph"
	"pulse/internal/models"
	"pulse/internal/repository"
	"pulse/internal/store"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const usage = `usage: pulsectl <command> [flags]

commands:
  token    mint an access token signed with JWT_SECRET
  relate   replace a user's related set
  migrate  create or update the friends table
`

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "pulsectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return flag.ErrHelp
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	switch args[0] {
	case "token":
		return runToken(cfg, args[1:], out)
	case "relate":
		return runRelate(ctx, cfg, args[1:], out)
	case "migrate":
		return runMigrate(cfg, out)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	sub := fs.String("sub", "", "user id (token subject)")
	email := fs.String("email", "", "email claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("token: -sub is required")
	}
	tok, err := auth.GenerateAccessToken(&cfg.JWT, *sub, *email, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

// contactList collects repeated -contact flags.
type contactList []models.Contact

func (l *contactList) String() string {
	parts := make([]string, 0, len(*l))
	for _, c := range *l {
		parts = append(parts, c.ID)
	}
	return strings.Join(parts, ",")
}

func (l *contactList) Set(v string) error {
	c, err := parseContact(v)
	if err != nil {
		return err
	}
	*l = append(*l, c)
	return nil
}

// parseContact reads "id[:email[:handle]]".
func parseContact(v string) (models.Contact, error) {
	parts := strings.SplitN(v, ":", 3)
	c := models.Contact{ID: strings.TrimSpace(parts[0])}
	if c.ID == "" {
		return c, fmt.Errorf("contact %q: id is required", v)
	}
	if len(parts) > 1 {
		c.Email = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		c.Handle = strings.TrimSpace(parts[2])
	}
	return c, nil
}

func runRelate(ctx context.Context, cfg *config.Config, args []string, out io.Writer) (err error) {
	fs := flag.NewFlagSet("relate", flag.ContinueOnError)
	fs.SetOutput(out)
	user := fs.String("user", "", "user whose related set is replaced")
	var contacts contactList
	fs.Var(&contacts, "contact", "related user as id[:email[:handle]] (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("relate: -user is required")
	}

	w, closeFn, err := openWriter(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeFn()) }()

	if err := w.SetRelated(ctx, *user, contacts); err != nil {
		return fmt.Errorf("relate %s: %w", *user, err)
	}
	fmt.Fprintf(out, "%s now relates to %d user(s) [%s]\n", *user, len(contacts), contacts.String())
	return nil
}

func openWriter(ctx context.Context, cfg *config.Config) (graph.Writer, func() error, error) {
	if cfg.Graph.Source == "mysql" {
		db, err := database.NewDB(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return repository.NewFriendRepository(db), sqlDB.Close, nil
	}
	kv, err := store.NewRedis(ctx, &cfg.Redis, zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return graph.NewKV(kv, false, zap.NewNop()), kv.Close, nil
}

func runMigrate(cfg *config.Config, out io.Writer) error {
	if cfg.Database.DSN == "" {
		return errors.New("migrate: DATABASE_DSN is not set")
	}
	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	if err := database.AutoMigrate(db); err != nil {
		return err
	}
	fmt.Fprintln(out, "friends table is up to date")
	return nil
}
