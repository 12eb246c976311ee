// Command manage runs administrative tasks against the kobocat database:
// data migrations, user and credential management, form publishing and
// sharing, and storage checks.
package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"github.com/form-case/kobocat/internal/accounts"
	"github.com/form-case/kobocat/internal/auth"
	"github.com/form-case/kobocat/internal/config"
	"github.com/form-case/kobocat/internal/database"
	"github.com/form-case/kobocat/internal/database/migrations"
	"github.com/form-case/kobocat/internal/database/models"
	"github.com/form-case/kobocat/internal/logger"
	"github.com/form-case/kobocat/internal/mirror"
	"github.com/form-case/kobocat/internal/permissions"
	"github.com/form-case/kobocat/internal/signals"
	"github.com/form-case/kobocat/internal/storage"
	"github.com/form-case/kobocat/internal/xform"
)

// app is what every subcommand works with.
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	store   mirror.Store
	backend storage.StorageBackend
}

func open(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Env)

	db, err := database.Connect(cfg)
	if err != nil {
		return nil, err
	}
	store, err := mirror.New(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, err
	}
	backend, err := storage.NewBackendFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Use(signals.New(backend, store)); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, db: db, store: store, backend: backend}, nil
}

func (a *app) accounts() *accounts.Service {
	return accounts.NewService(a.db, a.cfg.DigestRealm, a.cfg.BcryptCost)
}

// withApp opens the application before running fn and releases it after.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := open(ctx)
		if err != nil {
			return err
		}
		defer a.store.Close(context.Background())
		return fn(ctx, cmd, a)
	}
}

func requireArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return fmt.Errorf("expected %d argument(s): %s", n, cmd.ArgsUsage)
	}
	return nil
}

func findUser(ctx context.Context, db *gorm.DB, username string) (*models.User, error) {
	user, err := accounts.FindByUsername(ctx, db, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %q not found", username)
	}
	return user, err
}

func cmd() *cli.Command {
	return &cli.Command{
		Name:  "manage",
		Usage: "kobocat administrative commands",
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "schema and data migrations",
				Commands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply the schema and every pending data migration",
						Action: withApp(func(ctx context.Context, _ *cli.Command, a *app) error {
							return database.Migrate(ctx, a.db, a.store)
						}),
					},
					{
						Name:  "status",
						Usage: "list data migrations and whether they ran",
						Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
							return migrationStatus(ctx, cmd.Root().Writer, a)
						}),
					},
				},
			},
			{
				Name:      "create-user",
				Usage:     "create a user with a profile",
				ArgsUsage: "USERNAME PASSWORD",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Usage: "Set the email address"},
					&cli.BoolFlag{Name: "superuser", Usage: "Grant every permission"},
					&cli.BoolFlag{Name: "unvalidated", Usage: "Require a password change before the API can be used"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if err := requireArgs(cmd, 2); err != nil {
						return err
					}
					user, err := a.accounts().Create(ctx, accounts.NewUser{
						Username:          cmd.Args().Get(0),
						Email:             cmd.String("email"),
						Password:          cmd.Args().Get(1),
						Superuser:         cmd.Bool("superuser"),
						ValidatedPassword: !cmd.Bool("unvalidated"),
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "created user %s (id %d)\n", user.Username, user.ID)
					return nil
				}),
			},
			{
				Name:      "set-password",
				Usage:     "replace a user's password and mark it validated",
				ArgsUsage: "USERNAME PASSWORD",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if err := requireArgs(cmd, 2); err != nil {
						return err
					}
					user, err := findUser(ctx, a.db, cmd.Args().Get(0))
					if err != nil {
						return err
					}
					return a.accounts().SetPassword(ctx, user, cmd.Args().Get(1))
				}),
			},
			{
				Name:      "issue-token",
				Usage:     "print the API token of a user, creating it if needed",
				ArgsUsage: "USERNAME",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if err := requireArgs(cmd, 1); err != nil {
						return err
					}
					user, err := findUser(ctx, a.db, cmd.Args().Get(0))
					if err != nil {
						return err
					}
					token, err := a.accounts().IssueToken(ctx, user.ID)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().Writer, token.Key)
					return nil
				}),
			},
			{
				Name:      "issue-jwt",
				Usage:     "print a signed bearer token for a user",
				ArgsUsage: "USERNAME",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "Set the token lifetime"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if err := requireArgs(cmd, 1); err != nil {
						return err
					}
					if a.cfg.JWTSecret == "" {
						return errors.New("JWT_SECRET is not configured")
					}
					user, err := findUser(ctx, a.db, cmd.Args().Get(0))
					if err != nil {
						return err
					}
					signed, err := auth.IssueJWT([]byte(a.cfg.JWTSecret), user.Username, cmd.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().Writer, signed)
					return nil
				}),
			},
			{
				Name:      "publish-form",
				Usage:     "publish an XForm definition for a user",
				ArgsUsage: "USERNAME FILE",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "shared-data", Usage: "Make submissions readable by anyone"},
					&cli.BoolFlag{Name: "shared", Usage: "Make the form definition downloadable by anyone"},
					&cli.StringFlag{Name: "xlsform", Usage: "XLSForm spreadsheet the definition was built from"},
				},
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if err := requireArgs(cmd, 2); err != nil {
						return err
					}
					user, err := findUser(ctx, a.db, cmd.Args().Get(0))
					if err != nil {
						return err
					}
					data, err := os.ReadFile(cmd.Args().Get(1))
					if err != nil {
						return err
					}
					xf, err := publishForm(ctx, a.db, user, data, cmd.Bool("shared-data"))
					if err != nil {
						return err
					}
					if cmd.Bool("shared") {
						if err := a.db.WithContext(ctx).Model(xf).Update("shared", true).Error; err != nil {
							return err
						}
					}
					if file := cmd.String("xlsform"); file != "" {
						if err := attachXLSForm(ctx, a.db, a.backend, user, xf, file); err != nil {
							return err
						}
					}
					fmt.Fprintf(cmd.Root().Writer, "published %s (id %d)\n", xf.IDString, xf.ID)
					return nil
				}),
			},
			{
				Name:      "grant",
				Usage:     "give a user permissions on another user's form",
				ArgsUsage: "USERNAME OWNER ID_STRING [CODENAME...]",
				Description: "Without codenames the user gets " + permissions.ViewXForm + ".\n" +
					"Known codenames: " + strings.Join(permissions.XFormCodenames, ", "),
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					args := cmd.Args().Slice()
					if len(args) < 3 {
						return fmt.Errorf("expected at least 3 arguments: %s", cmd.ArgsUsage)
					}
					codenames := args[3:]
					if len(codenames) == 0 {
						codenames = []string{permissions.ViewXForm}
					}
					if err := grant(ctx, a.db, args[0], args[1], args[2], codenames); err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "granted %s on %s/%s to %s\n", strings.Join(codenames, ", "), args[1], args[2], args[0])
					return nil
				}),
			},
			{
				Name:  "check-storage",
				Usage: "write, read back and delete a file in the configured storage",
				Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
					if err := a.backend.ValidateAccess(ctx); err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "storage %q is readable and writable\n", a.cfg.StorageBackend)
					return nil
				}),
			},
		},
	}
}

// grant gives username the codenames on the form idString of owner.
func grant(ctx context.Context, db *gorm.DB, username, owner, idString string, codenames []string) error {
	for _, c := range codenames {
		if !slices.Contains(permissions.XFormCodenames, c) {
			return fmt.Errorf("unknown permission %q", c)
		}
	}
	user, err := findUser(ctx, db, username)
	if err != nil {
		return err
	}
	ownerUser, err := findUser(ctx, db, owner)
	if err != nil {
		return err
	}
	var xf models.XForm
	if err := db.WithContext(ctx).Where("user_id = ? AND id_string = ?", ownerUser.ID, idString).First(&xf).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("form %s/%s not found", owner, idString)
		}
		return err
	}
	return permissions.NewService(db).Grant(ctx, user.ID, xf.ID, codenames...)
}

func migrationStatus(ctx context.Context, w io.Writer, a *app) error {
	provider, err := migrations.NewProvider(a.db, a.store)
	if err != nil {
		return err
	}
	statuses, err := provider.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT")
	for _, s := range statuses {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Source.Version, s.State, applied)
	}
	return tw.Flush()
}

// publishForm creates the form of user described by data. The form's uuid
// is derived from the definition when the form does not carry one.
func publishForm(ctx context.Context, db *gorm.DB, user *models.User, data []byte, sharedData bool) (*models.XForm, error) {
	form, err := xform.Parse(data)
	if err != nil {
		return nil, err
	}
	title := form.Title
	if title == "" {
		title = form.IDString
	}
	sum := md5.Sum(data)
	xf := &models.XForm{
		UserID:       user.ID,
		IDString:     form.IDString,
		Title:        title,
		UUID:         hex.EncodeToString(sum[:]),
		XML:          string(data),
		SharedData:   sharedData,
		Downloadable: true,
	}
	if err := db.WithContext(ctx).Create(xf).Error; err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", form.IDString, err)
	}
	return xf, nil
}

// attachXLSForm stores the spreadsheet at file under the owner's xls
// directory and records it on xf.
func attachXLSForm(ctx context.Context, db *gorm.DB, backend storage.StorageBackend, user *models.User, xf *models.XForm, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := backend.Save(ctx, f, storage.SaveOptions{
		Path:        path.Join(user.Username, "xls", filepath.Base(file)),
		ContentType: "application/vnd.ms-excel",
	})
	if err != nil {
		return fmt.Errorf("failed to store xlsform: %w", err)
	}
	if err := db.WithContext(ctx).Model(xf).Update("xls", res.Path).Error; err != nil {
		return fmt.Errorf("failed to record xlsform: %w", err)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "manage: %v\n", err)
		os.Exit(1)
	}
}
