package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
	"github.com/orbitchat/orbit/internal/relay"
	"github.com/orbitchat/orbit/internal/routing"
	"github.com/orbitchat/orbit/internal/session"
)

type watchOptions struct {
	URL          string
	Token        string
	PlanetID     int64
	ChannelID    int64
	Interactions bool
	Logger       *logging.Logger
	Metrics      *metrics.SessionMetrics
}

// EventLine is one printed event.
type EventLine struct {
	Time   time.Time         `json:"time"`
	Node   string            `json:"node"`
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// eventPrinter serializes events from every session onto out.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *eventPrinter) handler(node string) session.EventHandler {
	return func(method string, args []json.RawMessage) {
		p.mu.Lock()
		defer p.mu.Unlock()
		_ = p.enc.Encode(EventLine{Time: time.Now().UTC(), Node: node, Method: method, Args: args})
	}
}

// watch connects through the directory, joins the requested groups and
// prints events until ctx is done. Sessions created later, after a planet
// moves, get the same handlers.
func watch(ctx context.Context, opts watchOptions, out io.Writer) error {
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	printer := &eventPrinter{enc: json.NewEncoder(out)}
	subs := session.NewSubscriptions()

	base := routing.WebsocketSessionFactory(opts.URL, session.Options{
		Token:         session.StaticToken(opts.Token),
		Subscriptions: subs,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	factory := func(name string, isPrimary bool) routing.Session {
		s := base(name, isPrimary)
		if ws, ok := s.(*session.Session); ok {
			h := printer.handler(name)
			for _, m := range relay.EventMethods() {
				ws.On(m, h)
			}
		}
		return s
	}

	dir, err := routing.NewDirectory(routing.DirectoryConfig{
		Coordinator: routing.NewHTTPCoordinator(opts.URL, nil),
		Factory:     factory,
		Logger:      opts.Logger,
	})
	if err != nil {
		return err
	}
	defer dir.Close()

	primary, err := dir.Primary(ctx)
	if err != nil {
		return fmt.Errorf("connect primary: %w", err)
	}
	opts.Logger.Infof("connected", map[string]any{"node": primary.Name()})

	if opts.PlanetID > 0 {
		s, err := dir.ResolveNodeForCommunity(ctx, opts.PlanetID)
		if err != nil {
			return fmt.Errorf("resolve planet %d: %w", opts.PlanetID, err)
		}
		joins := []session.Subscription{session.PlanetSubscription(opts.PlanetID)}
		if opts.ChannelID > 0 {
			joins = append(joins, session.ChannelSubscription(opts.PlanetID, opts.ChannelID))
		}
		if opts.Interactions {
			joins = append(joins, session.InteractionSubscription(opts.PlanetID))
		}
		for _, sub := range joins {
			if err := s.Join(ctx, sub); err != nil {
				return fmt.Errorf("join on %s: %w", s.Name(), err)
			}
		}
		opts.Logger.Infof("joined planet", map[string]any{
			"node":     s.Name(),
			"planetId": opts.PlanetID,
			"groups":   len(joins),
		})
	}

	<-ctx.Done()
	return ctx.Err()
}
