package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/openxbox/social/social"
)

const SocialCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Social graph control.

The default urls are:
    api_url: https://peoplehub.xboxlive.com
    rta_url: wss://rta.xboxlive.com/connect

Usage:
    socialctl watch --jwt=<jwt>
        [--api_url=<api_url>]
        [--rta_url=<rta_url>]
        [--detail=<detail>]
        [--poll]
    socialctl whoami --jwt=<jwt>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --jwt=<jwt>              Your service token.
    --api_url=<api_url>
    --rta_url=<rta_url>
    --detail=<detail>        One of none, color, titlehistory, all [default: none].
    --poll                   Enable rich presence polling.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SocialCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	}
}

func whoami(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	token, err := social.ParseXblTokenUnverified(jwt)
	if err != nil {
		Err.Fatalf("Could not parse token: %s", err)
	}
	Out.Printf("xuid: %s", token.XboxUserId)
	Out.Printf("gamertag: %s", token.Gamertag)
	Out.Printf("title id: %d", token.TitleId)
}

func watch(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	apiUrl := "https://peoplehub.xboxlive.com"
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		apiUrl = apiUrl_
	}
	rtaUrl := "wss://rta.xboxlive.com/connect"
	if rtaUrl_, err := opts.String("--rta_url"); err == nil && rtaUrl_ != "" {
		rtaUrl = rtaUrl_
	}

	detailLevel := social.DetailLevelNoExtraDetail
	if detail, err := opts.String("--detail"); err == nil {
		switch detail {
		case "none":
		case "color":
			detailLevel = social.DetailLevelPreferredColor
		case "titlehistory":
			detailLevel = social.DetailLevelTitleHistory
		case "all":
			detailLevel = social.DetailLevelAll
		default:
			Err.Fatalf("Unknown detail level %q", detail)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api, err := social.NewXblApiWithContext(cancelCtx, apiUrl, jwt)
	if err != nil {
		Err.Fatalf("Could not parse token: %s", err)
	}
	defer api.Close()

	rta := social.NewRtaClientWithDefaults(cancelCtx, rtaUrl, jwt)
	defer rta.Close()

	peoplehub := social.NewPeopleHubClient(api)
	presence := social.NewPresenceClient(api, rta)
	socialClient := social.NewSocialClient(rta)

	graph := social.NewSocialGraphWithDefaults(
		cancelCtx,
		api.Token(),
		detailLevel,
		peoplehub,
		presence,
		socialClient,
		rta,
	)
	defer graph.Close()

	graph.SetRtaStateHandler(func(state social.ConnectionState) {
		Out.Printf("[rta] %s", state)
	})

	if err := graph.Initialize(cancelCtx); err != nil {
		Err.Fatalf("Initialize failed: %s", err)
	}

	if poll, _ := opts.Bool("--poll"); poll {
		graph.EnableRichPresencePolling(true)
	}

	isTty := term.IsTerminal(int(os.Stdout.Fd()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// a stand-in for the application frame pump
	frameTicker := time.NewTicker(100 * time.Millisecond)
	defer frameTicker.Stop()

	events := []social.SocialEvent{}
	for {
		select {
		case <-stop:
			Out.Printf("shutting down")
			return
		case <-frameTicker.C:
		}

		events = events[:0]
		changeStruct := graph.DoWork(&events)
		for _, evt := range events {
			printEvent(changeStruct.Snapshot, evt, isTty)
		}
	}
}

func printEvent(snapshot *social.GraphSnapshot, evt social.SocialEvent, isTty bool) {
	for _, xuid := range evt.UsersAffected {
		name := xuid.String()
		if snapshot != nil {
			if user := snapshot.User(xuid); user != nil {
				name = user.Gamertag
			}
		}
		if isTty {
			name = fmt.Sprintf("\x1b[1m%s\x1b[0m", name)
		}
		if evt.Err != nil {
			Out.Printf("[%s] %s: %s", evt.EventType, name, evt.Err)
		} else {
			Out.Printf("[%s] %s", evt.EventType, name)
		}
	}
}
