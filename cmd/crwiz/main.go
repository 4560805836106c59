package main

import (
	"context"
	"log"
	"net/http"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"

	crwizconfig "github.com/crwiz/crwiz/config"
	"github.com/crwiz/crwiz/internal/analysis"
	"github.com/crwiz/crwiz/internal/httputil"
	"github.com/crwiz/crwiz/internal/taskapi"
	"github.com/crwiz/crwiz/pkg/dialogue"
	"github.com/crwiz/crwiz/pkg/events"
	"github.com/crwiz/crwiz/pkg/store"
	"github.com/crwiz/crwiz/pkg/wizard"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[crwizconfig.CrwizConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()

	ctx, srv := frame.NewService(
		frame.WithConfig(&cfg),
		frame.WithName("crwiz"),
		frame.WithRegisterServerOauth2Client(),
		frame.WithDatastore(),
		frame.WithRegisterPublisher(eventRef, eventURL),
	)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	authenticator := srv.SecurityManager().GetAuthenticator(ctx)

	pub := events.NewPublisher(srv.QueueManager(), "crwiz", eventRef)

	repo := store.NewRepository(
		srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"),
	)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("migrating datastore: %v", err)
	}

	// Malformed or dangling state definitions abort startup.
	loader := dialogue.NewLoader(cfg.StatesDir)
	if _, err := loader.LoadAll(); err != nil {
		log.Fatalf("loading dialogue states: %v", err)
	}
	if cfg.WatchStates {
		done := make(chan struct{})
		defer close(done)
		_ = pool.Submit(ctx, func() {
			if err := loader.WatchAndReload(done); err != nil {
				log.Printf("warning: state watcher stopped: %v", err)
			}
		})
	}

	engine := wizard.NewEngine(loader, repo, pub, nil)
	manager := wizard.NewManager(engine, repo, pub, wizard.NewClock(), wizard.Config{
		MissionDuration:  cfg.MissionDuration(),
		TokenGrace:       cfg.TokenGrace(),
		MinimumUserTurns: cfg.MinimumUserTurns,
	}, analysis.New(repo))
	defer manager.Shutdown()

	// The helper bot's queue-side stand-in: confirms closed rooms so
	// the token grace period can start.
	roomSubscriber := &events.Subscriber{
		Feedback: manager,
		Pool:     pool,
	}

	handler := taskapi.NewHandler(manager)
	restMux := http.NewServeMux()
	handler.RegisterRoutes(restMux)

	mux := http.NewServeMux()
	mux.Handle("/api/", httputil.AuthenticatedMiddleware(
		httputil.LoggingMiddleware(restMux), authenticator))

	srv.Init(ctx,
		frame.WithRegisterSubscriber(eventRef+".rooms", eventURL, roomSubscriber),
		frame.WithHTTPHandler(mux),
	)

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}
