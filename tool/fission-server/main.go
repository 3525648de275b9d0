/*
Copyright 2024 Fission Internet Software

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command fission-server runs the account, capability and DNS service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/fission-codes/fission"
	"github.com/fission-codes/fission/lib/config"
	"github.com/fission-codes/fission/lib/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("fission-server", "Fission account, capability and DNS service.")
	app.Version(fission.Version)
	debug := app.Flag("debug", "Enable debug logging.").Bool()
	configPath := app.Flag("config", "Path of the TOML configuration file.").Short('c').String()

	start := app.Command("start", "Start the server.")
	genKey := start.Flag("gen-key", "Generate the service key if the key file does not exist.").Bool()

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		fc, err := config.ReadConfigFile(*configPath)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := fc.ApplyEnv(); err != nil {
			return trace.Wrap(err)
		}
		cfg := service.FromFileConfig(fc)
		cfg.GenKey = *genKey
		if *debug {
			cfg.Debug = true
		}
		return trace.Wrap(service.RunUntilSignal(context.Background(), cfg))
	}
	return nil
}
