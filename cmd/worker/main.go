package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sandpool/sandpool/internal/loader/jsmod"
	"github.com/sandpool/sandpool/internal/workerd"
)

func main() {
	allowNetwork := flag.Bool("allow-network", false, "permit http(s) module URLs")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: sandpool-worker [-allow-network] <socket-path>")
		os.Exit(2)
	}
	socketPath := flag.Arg(0)

	// Deny module code any handle to the host environment before anything
	// else runs.
	workerd.Scrub()

	ld := jsmod.New(jsmod.Options{AllowNetwork: *allowNetwork})
	srv := workerd.New(socketPath, ld)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	go func() {
		<-quit
		log.Printf("sandpool-worker: shutting down...")
		srv.Shutdown()
		close(done)
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("sandpool-worker: %v", err)
	}
	<-done
}
