package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"teampoints/adapters/jsonfile"
	mem "teampoints/adapters/memory"
	"teampoints/analytics"
	"teampoints/api/httpapi"
	"teampoints/core"
	"teampoints/engine"
	"teampoints/gamify"
	"teampoints/realtime"
)

type step struct {
	title        string
	action       string
	participants core.Participants
}

// scenario replays a week of team activity: a hackathon sign-up, three rounds
// of missed SAP hours that run into the weekly cap, and a game win.
func scenario() []step {
	return []step{
		{"alice joins a hackathon", "join_hackathon", core.SingleParticipant("participant", "p_alice")},
		{"biagi, alice and gojo miss SAP hours", "did_not_key_in_sap_hour", core.Participants{"offender": {"p_biagi", "p_alice", "p_gojo"}}},
		{"max and bestofrendo miss SAP hours", "did_not_key_in_sap_hour", core.Participants{"offender": {"p_diana", "p_bestofrendo"}}},
		{"biagi misses SAP hours again", "did_not_key_in_sap_hour", core.SingleParticipant("offender", "p_biagi")},
		{"gojo wins a team game", "win_team_game", core.SingleParticipant("winner", "p_gojo")},
		{"gojo joins a hackathon", "join_hackathon", core.SingleParticipant("participant", "p_gojo")},
	}
}

func main() {
	addr := flag.String("addr", "", "serve the HTTP API on this address after the simulation (e.g. :8080)")
	flag.Parse()

	// Use readable text logging for development/demo
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := mem.New()
	if _, err := jsonfile.DefaultSeed().Apply(ctx, store); err != nil {
		logger.Error("seed failed", "error", err)
		os.Exit(1)
	}

	stats := analytics.NewService(analytics.WithServiceLogger(logger))
	eng, err := gamify.New(ctx,
		gamify.WithStorage(store),
		gamify.WithDispatchMode(engine.DispatchSync),
		gamify.WithRealtime(realtime.NewHub()),
		gamify.WithAnalytics(stats),
		gamify.WithLogger(logger),
	)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	logger.Info("simulation starting")
	printState(ctx, eng, logger)

	for _, s := range scenario() {
		report, err := eng.Process(ctx, s.action, s.participants)
		if err != nil {
			logger.Error("step failed", "step", s.title, "error", err)
			continue
		}
		logger.Info("step applied", "step", s.title, "rules", report.Applied, "events", report.Events)
		if s.action == "did_not_key_in_sap_hour" {
			printState(ctx, eng, logger)
		}
	}

	printSummary(ctx, eng, logger)

	if *addr == "" {
		return
	}
	srv := &http.Server{Addr: *addr, Handler: httpapi.NewRouter(eng, httpapi.Options{Logger: logger})}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	logger.Info("starting demo server", "address", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("demo server crashed", "error", err)
		os.Exit(1)
	}
}

func printState(ctx context.Context, eng *gamify.Engine, logger *slog.Logger) {
	groups, err := eng.RankGroups(ctx)
	if err != nil {
		logger.Error("list groups", "error", err)
		return
	}
	for _, g := range groups {
		members, err := eng.GroupMembers(ctx, g.ID)
		if err != nil {
			logger.Error("list members", "group", g.ID, "error", err)
			continue
		}
		logger.Info("group",
			"id", g.ID,
			"name", g.Name,
			"total", g.TotalPoints,
			"capped", g.CappedActivity,
			"history", len(g.History))
		for _, p := range members {
			logger.Info("  member", "id", p.ID, "name", p.Name, "points", p.TotalPoints())
		}
	}
}

func printSummary(ctx context.Context, eng *gamify.Engine, logger *slog.Logger) {
	logger.Info("simulation finished")
	for _, e := range eng.Rankings.Groups.TopN(3) {
		logger.Info("group ranking", "rank", e.Rank, "group", e.ID, "points", e.Score)
	}
	for _, e := range eng.Rankings.Persons.TopN(3) {
		logger.Info("person ranking", "rank", e.Rank, "person", e.ID, "points", e.Score)
	}
	persons, err := eng.RankPersons(ctx)
	if err != nil {
		logger.Error("list persons", "error", err)
		return
	}
	for _, p := range persons {
		for _, h := range p.History {
			logger.Info("contribution", "person", p.ID, "rule", h.RuleName, "points", h.Points, "reason", h.Reason)
		}
	}
	if eng.Analytics != nil {
		d := eng.Analytics.Dashboard()
		logger.Info("analytics", "top_rules", d.TopRules, "cap_resets", d.CapResets)
	}
}
