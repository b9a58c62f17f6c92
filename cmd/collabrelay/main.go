package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/scribehq/collab"
)

const Version = "0.1.0"

func main() {
	usage := `Collaboration relay.

A dumb fan-out hub for collab sessions. Every envelope received from one
connection is forwarded to all other connections. Resource and sender
filtering happen at the receiving session.

Usage:
    collabrelay serve [--port=<port>] [--path=<path>] [--secret]

Options:
    -h --help          Show this screen.
    --version          Show version.
    -p --port=<port>   Listen port [default: 8090].
    --path=<path>      Websocket path [default: /ws].
    --secret           Prompt for a shared secret and verify session tokens.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	var path string
	if pathAny := opts["--path"]; pathAny != nil {
		path = pathAny.(string)
	} else {
		path = "/ws"
	}

	settings := collab.DefaultRelayServerSettings()
	if secret_, _ := opts.Bool("--secret"); secret_ {
		fmt.Print("Enter shared secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Printf("\n")
		if err != nil {
			panic(err)
		}
		settings.Secret = secret
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	relayServer := collab.NewRelayServer(cancelCtx, settings)
	defer relayServer.Close()

	mux := http.NewServeMux()
	mux.Handle(path, relayServer)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-cancelCtx.Done()
		server.Close()
	}()

	glog.Infof("[relay]listening on :%d%s\n", port, path)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		panic(err)
	}
}
