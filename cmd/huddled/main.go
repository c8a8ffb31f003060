package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/huddle/internal/config"
	"github.com/matheus3301/huddle/internal/daemon"
	"github.com/matheus3301/huddle/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	debugFlag := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	cfg, err := config.LoadOrDefault(profile.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	name := profile.Resolve(*profileFlag, cfg.DefaultProfile)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name, Debug: *debugFlag, Config: cfg}),
	)

	app.Run()
}
