/*
 * Goalpost
 * Copyright (C) 2024  Goalpost, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/config"
	"github.com/goalpost-dev/goalpost/lib/service"
	"github.com/goalpost-dev/goalpost/lib/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	app := kingpin.New("goalpost", "Personal goal and metrics tracker.")
	app.HelpFlag.Short('h')

	var clf config.CommandLineFlags
	start := app.Command("start", "Start the goalpost service.")
	start.Flag("config", "Path to a configuration file in YAML format.").
		Short('c').StringVar(&clf.ConfigFile)
	start.Flag("database", "Path to the sqlite database file.").
		StringVar(&clf.DatabasePath)
	start.Flag("listen-addr", "Address for the JSON API to bind to.").
		StringVar(&clf.ListenAddr)
	start.Flag("diag-addr", "Address for the diagnostic endpoints to bind to.").
		StringVar(&clf.DiagAddr)
	start.Flag("debug", "Enable verbose logging to stderr.").
		Short('d').BoolVar(&clf.Debug)

	ver := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(&clf))
	case ver.FullCommand():
		printVersion()
		return nil
	}
	return nil
}

func onStart(clf *config.CommandLineFlags) error {
	cfg := service.MakeDefaultConfig()
	if err := config.Configure(clf, cfg); err != nil {
		return trace.Wrap(err)
	}

	// SIGINT and SIGTERM cancel the context, which drains the service
	// through its shutdown path.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, *cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(svc.Run(ctx))
}

func printVersion() {
	fmt.Printf("Goalpost v%v", goalpost.Version)
	if goalpost.Gitref != "" {
		fmt.Printf(" git:%v", goalpost.Gitref)
	}
	fmt.Printf(" %v\n", runtime.Version())
}
