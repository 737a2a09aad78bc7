package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/catalog"
	"github.com/hackgods/telehealth-dispatch/internal/config"
	"github.com/hackgods/telehealth-dispatch/internal/db"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
	"github.com/hackgods/telehealth-dispatch/internal/pharmacy"
	"github.com/hackgods/telehealth-dispatch/internal/slots"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
}

type seedOptions struct {
	catalogPath string
	doctors     int
	patients    int
	crews       int
	migrate     bool
}

type identity struct {
	role auth.Role
	name string
	id   uuid.UUID
}

func main() {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Load the catalog into Postgres and print demo bearer tokens",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.catalogPath, "catalog", "", "catalog YAML file (default: built-in demo catalog)")
	cmd.Flags().IntVar(&opts.doctors, "doctors", 5, "extra generated doctors with weekday availability")
	cmd.Flags().IntVar(&opts.patients, "patients", 3, "patient tokens to print")
	cmd.Flags().IntVar(&opts.crews, "ambulances", 2, "ambulance crew tokens to print")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", true, "apply migrations first")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load error")
	}
	if cfg.Store.Driver != config.StoreDriverPostgres {
		return errors.New("seed writes to Postgres; set STORE_DRIVER=postgres")
	}
	log := logging.New(cfg.LogLevel, true)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "connect postgres")
	}
	defer pool.Close()

	if opts.migrate {
		if err := db.Migrate(ctx, pool, log); err != nil {
			return err
		}
	}

	cat, err := catalog.Load(opts.catalogPath)
	if err != nil {
		return err
	}

	providers := slots.NewPgRepository(pool)
	summary, err := cat.Apply(ctx, providers, pharmacy.NewPgRepository(pool))
	if err != nil {
		return errors.Wrap(err, "apply catalog")
	}
	log.Info().
		Int("providers", summary.Providers).
		Int("products", summary.Products).
		Int("pharmacies", summary.Pharmacies).
		Int("stock_rows", summary.StockRows).
		Msg("catalog applied")

	var people []identity
	for _, p := range cat.Providers {
		people = append(people, identity{role: auth.RoleDoctor, name: p.Name, id: catalog.ProviderID(p.Key)})
	}

	generated, err := seedDoctors(ctx, providers, opts.doctors)
	if err != nil {
		return err
	}
	people = append(people, generated...)

	for i := 0; i < opts.crews; i++ {
		people = append(people, identity{role: auth.RoleAmbulance, name: fmt.Sprintf("Ambulance %d", i+1), id: uuid.New()})
	}
	for i := 0; i < opts.patients; i++ {
		people = append(people, identity{role: auth.RolePatient, name: gofakeit.Name(), id: uuid.New()})
	}
	people = append(people,
		identity{role: auth.RolePharmacy, name: "Pharmacy desk", id: uuid.New()},
		identity{role: auth.RoleAdmin, name: "Admin", id: uuid.New()},
	)

	return printTokens(auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), people)
}

// seedDoctors adds count generated doctors, available 09:00-17:00 UTC on
// weekdays.
func seedDoctors(ctx context.Context, repo *slots.PgRepository, count int) ([]identity, error) {
	var windows []slots.AvailabilityWindow
	for d := time.Monday; d <= time.Friday; d++ {
		windows = append(windows, slots.AvailabilityWindow{Weekday: d, StartMinute: 9 * 60, EndMinute: 17 * 60})
	}

	out := make([]identity, 0, count)
	for i := 0; i < count; i++ {
		specialty := specialties[gofakeit.Number(0, len(specialties)-1)]
		p := slots.Provider{
			ID:        uuid.New(),
			Name:      "Dr. " + gofakeit.LastName(),
			Specialty: &specialty,
			Active:    true,
		}
		if err := repo.SaveProvider(ctx, p, windows); err != nil {
			return nil, errors.Wrap(err, "save doctor")
		}
		out = append(out, identity{role: auth.RoleDoctor, name: p.Name, id: p.ID})
	}
	return out, nil
}

func printTokens(jwt *auth.JWTService, people []identity) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tNAME\tID\tTOKEN")
	for _, p := range people {
		token, err := jwt.GenerateToken(p.id, p.role)
		if err != nil {
			return errors.Wrapf(err, "sign token for %s", p.name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.role, p.name, p.id, token)
	}
	return w.Flush()
}
