// Command libctl runs maintenance tasks against the attendance database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"libattend/internal/app"
	"libattend/internal/auth"
	"libattend/internal/config"
	"libattend/internal/members"
	"libattend/internal/summary"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "libctl",
		Short: "Library attendance maintenance",
		Long: `Maintenance commands for the library attendance database.

Configuration is read from the same environment variables as the api
and worker binaries (DB_DRIVER, DATABASE_URL, ...).

Examples:
  libctl migrate
  libctl import members.csv
  libctl admin create --username head --name "Head Librarian" --email head@example.edu
  libctl purge-visits --before 2024-01-01
`,
		SilenceUsage: true,
	}
	cmd.AddCommand(migrateCmd(), importCmd(), adminCmd(), advanceTermsCmd(), purgeCmd(), summaryCmd())
	return cmd
}

// withServices loads config, opens the store and drains it once fn returns.
func withServices(fn func(ctx context.Context, svc *app.Services) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log := app.Logger(cfg, "libctl")
	svc, err := app.Open(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DB.DrainGrace+5*time.Second)
		defer cancel()
		_ = svc.Close(drainCtx)
	}()
	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, svc *app.Services) error {
				fmt.Printf("schema up to date (%s)\n", svc.Manager.Dialect().Name())
				return nil
			})
		},
	}
}

func importCmd() *cobra.Command {
	var template bool
	cmd := &cobra.Command{
		Use:   "import [file.csv]",
		Short: "Bulk upsert members from a CSV file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if template {
				fmt.Print(members.CSVTemplate())
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("csv file is required")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			records, rowErrs, err := members.ParseCSV(f)
			if err != nil {
				return err
			}
			return withServices(func(ctx context.Context, svc *app.Services) error {
				var results []members.Result
				for start := 0; start < len(records); start += members.MaxBatchSize {
					end := min(start+members.MaxBatchSize, len(records))
					res, err := svc.Importer.ImportBatch(ctx, records[start:end])
					if err != nil {
						return err
					}
					results = append(results, res)
				}
				return printJSON(map[string]any{"batches": results, "row_errors": rowErrs})
			})
		},
	}
	cmd.Flags().BoolVar(&template, "template", false, "Print the CSV template and exit")
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
	}

	var in auth.NewAdmin
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an administrator",
		Long:  "Create an administrator. The password is read from LIBCTL_ADMIN_PASSWORD when --password is not given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.Password == "" {
				in.Password = os.Getenv("LIBCTL_ADMIN_PASSWORD")
			}
			return withServices(func(ctx context.Context, svc *app.Services) error {
				tokens := auth.TokenConfig{Issuer: svc.Config.JWT.Issuer, SigningKey: svc.Config.JWT.SigningKey}
				a, err := auth.NewService(svc.Manager, tokens, svc.Log).CreateAdmin(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	create.Flags().StringVar(&in.Username, "username", "", "Login name")
	create.Flags().StringVar(&in.Password, "password", "", "Password (at least 8 characters)")
	create.Flags().StringVar(&in.Name, "name", "", "Display name")
	create.Flags().StringVar(&in.Email, "email", "", "Email address")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("email")

	cmd.AddCommand(create)
	return cmd
}

func advanceTermsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance-terms",
		Short: "Move every member below the final semester up by one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, svc *app.Services) error {
				n, err := svc.Members.AdvanceTerms(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("advanced %d members\n", n)
				return nil
			})
		},
	}
}

func purgeCmd() *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "purge-visits",
		Short: "Delete closed visits that started before a date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, svc *app.Services) error {
				cutoff, err := time.ParseInLocation(time.DateOnly, before, svc.Location)
				if err != nil {
					return fmt.Errorf("--before: %w", err)
				}
				n, err := svc.Ledger.PurgeClosedVisits(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d visits\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "Cutoff date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

func summaryCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the attendance summary for one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, svc *app.Services) error {
				day := time.Now().In(svc.Location)
				if date != "" {
					var err error
					if day, err = time.ParseInLocation(time.DateOnly, date, svc.Location); err != nil {
						return fmt.Errorf("--date: %w", err)
					}
				}
				sum, err := summary.NewBuilder(svc.Ledger, svc.Location).Build(ctx, day)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Day to summarise (YYYY-MM-DD, default today)")
	return cmd
}
