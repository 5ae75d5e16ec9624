// Copyright 2026 The zeroprov authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// The zeroctl tool provisions U2F Zero tokens running the setup firmware and
// drives the custom commands of the production firmware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"k8s.io/klog"

	"github.com/u2f-zero/zeroprov/api"
	"github.com/u2f-zero/zeroprov/internal/provision"
)

type Config struct {
	path string

	profile     string
	profileFile string

	attestKeyFile string
	recordFile    string
	recordSigner  string

	reset         bool
	bootloaderCmd uint

	attempts int
	timeout  time.Duration
	settle   time.Duration

	count int64
	yes   bool
}

var conf *Config

func init() {
	conf = &Config{}

	flag.StringVar(&conf.path, "path", "", "HID device path, the first token found is used when empty")
	flag.StringVar(&conf.profile, "profile", "atecc508a", "built-in device profile")
	flag.StringVar(&conf.profileFile, "profile_file", "", "device profile YAML file, overrides -profile")
	flag.StringVar(&conf.attestKeyFile, "attest_key_file", "", "PEM attestation private key, generated when missing")
	flag.StringVar(&conf.recordFile, "record_file", "", "file to write the provisioning record to")
	flag.StringVar(&conf.recordSigner, "record_signer", "", "file containing a note signer key to sign the provisioning record")
	flag.BoolVar(&conf.reset, "reset", true, "reset the token into its bootloader once provisioned")
	flag.UintVar(&conf.bootloaderCmd, "bootloader_cmd", api.BootloaderCommand, "U2FHID vendor command entering the bootloader")
	flag.IntVar(&conf.attempts, "attempts", provision.DefaultAttempts, "read attempts of the steps preceding the lock")
	flag.DurationVar(&conf.timeout, "timeout", provision.DefaultTimeout, "read timeout of each command")
	flag.DurationVar(&conf.settle, "settle", provision.DefaultSettle, "pause between provisioning steps")
	flag.Int64Var(&conf.count, "count", 0, "random bytes to dump, 0 dumps until interrupted")
	flag.BoolVar(&conf.yes, "y", false, "do not ask for confirmation of irreversible operations")
}

type command struct {
	args  []string
	help  string
	run   func(ctx context.Context, args []string) error
	fatal bool
}

var commands = map[string]command{
	"status":       {help: "show the setup firmware status", run: status},
	"provision":    {help: "lock the token and load host generated keys", run: provisionToken, fatal: true},
	"configure":    {args: []string{"output-file"}, help: "lock the token and have it generate its key", run: configure, fatal: true},
	"bootloader":   {help: "reset the token into its bootloader", run: bootloaderCmd},
	"rng":          {help: "dump random bytes from the hardware RNG to stdout", run: rng},
	"seed":         {help: "update the hardware RNG seed with stdin", run: seed},
	"wipe":         {help: "wipe all registered keys, the token button must be pressed", run: wipe, fatal: true},
	"pulse":        {args: []string{"ms"}, help: "set the LED pulse period", run: pulse},
	"color":        {args: []string{"rrggbb"}, help: "set the idle LED colour", run: idleColor},
	"button-color": {args: []string{"rrggbb"}, help: "set the LED colour shown while waiting for a press", run: buttonColor},
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <command> [<arguments>]\n\ncommands:\n", os.Args[0])

	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		c := commands[n]
		use := n
		for _, a := range c.args {
			use += " <" + a + ">"
		}
		fmt.Fprintf(flag.CommandLine.Output(), "  %-26s %s\n", use, c.help)
	}

	fmt.Fprintf(flag.CommandLine.Output(), "\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	name, args := flag.Arg(0), flag.Args()[1:]

	c, ok := commands[name]
	if !ok {
		klog.Exitf("unknown command %q", name)
	}

	if len(args) != len(c.args) {
		klog.Exitf("%s expects %d argument(s), got %d", name, len(c.args), len(args))
	}

	if c.fatal && !conf.yes && !confirm(fmt.Sprintf("%s is not reversible, proceed?", name)) {
		klog.Exitf("aborted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := c.run(ctx, args)
	stop()

	if err != nil {
		klog.Exitf("fatal error, %v", err)
	}
}

func confirm(msg string) bool {
	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}
