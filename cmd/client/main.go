package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piatok/piatok/internal/client/call"
	"github.com/piatok/piatok/internal/client/peer"
	"github.com/piatok/piatok/internal/client/rest"
	"github.com/piatok/piatok/internal/client/transport"
	"github.com/piatok/piatok/internal/core/domain"
)

// Headless client: the full signaling core (transport channel, peer session
// engine, call state machine) driven from stdin. Used for soak tests and as
// the admin's fallback endpoint.
func main() {
	var (
		wsURL   = flag.String("ws", "ws://localhost:8080/ws", "signaling websocket url")
		restURL = flag.String("rest", "http://localhost:8080", "signaling rest base url")
		userID  = flag.String("user", "", "user id (required)")
		role    = flag.String("role", "client", "role: client or admin")
		name    = flag.String("name", "headless", "caller display name")
		target  = flag.String("target", "", "counterparty user id")
		stun    = flag.String("stun", "", "comma-separated stun urls")
	)
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if *userID == "" {
		log.Fatal().Msg("-user is required")
	}

	var stunServers []string
	if *stun != "" {
		stunServers = strings.Split(*stun, ",")
	}

	engine := peer.NewEngine(stunServers)
	factory := func(callID domain.CallID, hooks call.PeerHooks) (call.PeerLink, error) {
		return engine.NewSession(callID, peer.Hooks{
			OnLocalCandidate:  hooks.OnLocalCandidate,
			OnRemoteTrack:     hooks.OnRemoteTrack,
			OnConnectionState: hooks.OnConnectionState,
		})
	}

	api := rest.NewClient(*restURL, domain.UserID(*userID))

	channel := transport.NewChannel(transport.Options{
		URL:      *wsURL,
		UserID:   domain.UserID(*userID),
		Role:     domain.Role(*role),
		DeviceID: domain.NewDeviceID(),
	})

	machine := call.NewMachine(
		call.Config{
			UserID:       domain.UserID(*userID),
			Role:         domain.Role(*role),
			CallerName:   *name,
			Counterparty: domain.UserID(*target),
		},
		channel,
		factory,
		peer.NewSilenceSource(),
		api,
		api,
		call.Notify{
			StateChanged: func(s call.State) { fmt.Printf("state: %s\n", s) },
			IncomingCall: func(p domain.PendingCall) {
				fmt.Printf("incoming call from %s (%s), type 'accept'\n", p.CallerName, p.CallerID)
			},
			CallEnded: func(r domain.EndReason) {
				fmt.Printf("call ended: %s\n", r)
				if r == domain.EndBalanceDepleted {
					fmt.Println("friday tokens exhausted, visit the token exchange")
				}
			},
			BalanceUpdated:    func(m int) { fmt.Printf("friday minutes left: %d\n", m) },
			InsufficientFunds: func() { fmt.Println("no friday tokens, visit the token exchange") },
		},
	)

	channel.SetHandler(machine.HandleEnvelope)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel.Start(ctx)
	machine.Start()
	defer machine.Close()
	defer channel.Close()

	// Recover a ring that may have arrived while we were offline.
	if err := machine.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("Pending-call poll failed")
	}

	fmt.Println("commands: call | accept | end | mute | balance | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "call":
			if err := machine.PlaceCall(ctx); err != nil {
				fmt.Printf("call failed: %v\n", err)
			}
		case "accept":
			if err := machine.Accept(ctx); err != nil {
				fmt.Printf("accept failed: %v\n", err)
			}
		case "end":
			machine.End()
		case "mute":
			machine.ToggleMute()
		case "balance":
			minutes, err := api.FridayBalance(ctx)
			if err != nil {
				fmt.Printf("balance failed: %v\n", err)
				continue
			}
			fmt.Printf("friday minutes: %d\n", minutes)
		case "quit":
			return
		}
	}
}
