package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/app"
	"github.com/hackgods/provider-slot-booking/internal/appointment"
	"github.com/hackgods/provider-slot-booking/internal/config"
	"github.com/hackgods/provider-slot-booking/internal/identity"
	"github.com/hackgods/provider-slot-booking/internal/logging"
)

var departments = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	if cfg.StoreDriver == config.DriverMemory {
		fmt.Fprintln(os.Stderr, "seed needs a persistent STORE_DRIVER (postgres or sqlite)")
		os.Exit(1)
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	providers := getInt("SEED_PROVIDERS", 50)
	patients := getInt("SEED_PATIENTS", 2000)
	days := getInt("SEED_DAYS", cfg.BookingHorizonDays)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("seed.init_failed", zap.Error(err))
	}
	defer a.Close(context.Background())

	faker := gofakeit.New(0)

	providerIDs, err := seedProviders(ctx, a.Store, faker, providers)
	if err != nil {
		log.Fatal("seed.providers_failed", zap.Error(err))
	}
	log.Info("seed.providers", zap.Int("count", len(providerIDs)))

	if err := seedPatients(ctx, a.Store, faker, patients); err != nil {
		log.Fatal("seed.patients_failed", zap.Error(err))
	}
	log.Info("seed.patients", zap.Int("count", patients))

	slots, err := seedSlots(ctx, a.Service, faker, providerIDs, days)
	if err != nil {
		log.Fatal("seed.slots_failed", zap.Error(err))
	}
	log.Info("seed.slots", zap.Int("count", slots), zap.Int("days", days))

	log.Info("seed.complete")
}

type userWriter interface {
	PutUser(ctx context.Context, u identity.User) error
}

func seedProviders(ctx context.Context, store userWriter, faker *gofakeit.Faker, count int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, count)
	for range count {
		name := faker.Name()
		dept := departments[faker.Number(0, len(departments)-1)]
		title := faker.RandomString([]string{"Dr.", "Prof.", "Resident"})
		id := uuid.New()

		u := identity.User{
			ID:         id,
			Role:       identity.RoleProvider,
			Status:     identity.StatusActive,
			Phone:      phoneFor(id),
			Name:       &name,
			Department: &dept,
			Title:      &title,
			CreatedAt:  time.Now().UTC(),
		}
		if err := store.PutUser(ctx, u); err != nil {
			return nil, fmt.Errorf("put provider: %w", err)
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// seedPatients leaves about one in ten without a name, the way a patient
// who signed up by phone only would look.
func seedPatients(ctx context.Context, store userWriter, faker *gofakeit.Faker, count int) error {
	for i := range count {
		id := uuid.New()
		u := identity.User{
			ID:        id,
			Role:      identity.RolePatient,
			Status:    identity.StatusActive,
			Phone:     phoneFor(id),
			CreatedAt: time.Now().UTC(),
		}
		if i%10 != 0 {
			name := faker.Name()
			u.Name = &name
		}
		if err := store.PutUser(ctx, u); err != nil {
			return fmt.Errorf("put patient: %w", err)
		}
	}
	return nil
}

func seedSlots(ctx context.Context, svc *appointment.Service, faker *gofakeit.Faker, providers []uuid.UUID, days int) (int, error) {
	today := appointment.DateOf(time.Now())
	n := 0
	for _, providerID := range providers {
		for d := 0; d <= days; d++ {
			date := today.AddDate(0, 0, d)
			for _, start := range []string{"09:00", "13:00"} {
				// Some half-days stay unpublished.
				if faker.Number(0, 4) == 0 {
					continue
				}
				if _, err := svc.PublishSlot(ctx, providerID, date, start, faker.Number(1, 8)); err != nil {
					return n, fmt.Errorf("publish slot: %w", err)
				}
				n++
			}
		}
	}
	return n, nil
}

// phoneFor derives a phone number from the user id; phones are unique in
// the users table and seeding can run more than once.
func phoneFor(id uuid.UUID) string {
	h := id.String()
	return "010-" + h[:4] + "-" + h[4:8]
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
